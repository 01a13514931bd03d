package controlapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joda/imagec/internal/controller"
	"github.com/joda/imagec/internal/engerrors"
	"github.com/joda/imagec/internal/scheduler"
	"github.com/joda/imagec/internal/settings"
)

// startJobRequest is the POST /v1/jobs body: the working directory to
// scan and the AnalyzeSettings document to run it with.
type startJobRequest struct {
	WorkingDir       string                   `json:"working_dir" binding:"required"`
	Settings         settings.AnalyzeSettings `json:"settings" binding:"required"`
	SampleImageIndex int                      `json:"sample_image_index"`
}

func errStatus(err error) int {
	switch engerrors.KindOf(err) {
	case engerrors.KindConfigInvalid:
		return http.StatusBadRequest
	case engerrors.KindUnsupportedFormat, engerrors.KindReadFailed:
		return http.StatusUnprocessableEntity
	case engerrors.KindInsufficientResources:
		return http.StatusServiceUnavailable
	case engerrors.KindDatabaseError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// startJob scans the working directory, asks Server.BuildWork (supplied
// by cmd/imagec, which owns the channelproc/pipeline/resultdb wiring) to
// turn the settings document into a concrete scheduler.Plan and
// scheduler.WorkFunc, and starts the job asynchronously.
func (s *Server) startJob(c *gin.Context) {
	var req startJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Settings.Validate(); err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	if s.BuildWork == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "work function not configured"})
		return
	}

	scanDone := make(chan error, 1)
	s.Controller.SetWorkingDirectory(req.WorkingDir, func(_ []controller.FileInfoImage, err error) {
		scanDone <- err
	})
	if err := <-scanDone; err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	plan, work, err := s.BuildWork(c.Request.Context(), &req.Settings, s.Controller.Images())
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}

	if err := s.Controller.Start(c.Request.Context(), plan, work); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	// context.Background, not the request's context: the broadcast must
	// outlive this handler's response and keep running until the job
	// reaches a terminal state. Job cancellation goes through Stop(),
	// not context cancellation.
	go s.StartProgressBroadcast(context.Background(), req.Settings.RunID)

	c.JSON(http.StatusAccepted, gin.H{
		"state":      s.Scheduler.State().String(),
		"max_cores":  plan.Budget.MaxCores,
		"total_runs": plan.Budget.TotalRuns,
	})
}

func (s *Server) stopJob(c *gin.Context) {
	s.Controller.Stop()
	c.JSON(http.StatusOK, gin.H{"state": s.Scheduler.State().String()})
}

func (s *Server) resetJob(c *gin.Context) {
	if err := s.Controller.ResetJob(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.Scheduler.State().String()})
}

func (s *Server) jobStatus(c *gin.Context) {
	prog := s.Scheduler.Progress()
	st := s.Scheduler.State()
	resp := gin.H{
		"state":    st.String(),
		"finished": prog.Finished,
		"total":    prog.Total,
	}
	if st == scheduler.StateError {
		if err := s.Scheduler.Err(); err != nil {
			resp["error"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, resp)
}

// previewRequest is the POST /v1/preview body: one (image, tile, channel)
// probe run outside the scheduler for interactive feedback.
type previewRequest struct {
	ImageIndex int                      `json:"image_index"`
	Channel    settings.ChannelSettings `json:"channel" binding:"required"`
	TileX      int                      `json:"tile_x"`
	TileY      int                      `json:"tile_y"`
	TileW      int                      `json:"tile_w"`
	TileH      int                      `json:"tile_h"`
	Resolution int                      `json:"resolution"`
}

func (s *Server) preview(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.Controller.Preview(c.Request.Context(), req.Channel, req.ImageIndex, req.TileX, req.TileY, req.TileW, req.TileH, req.Resolution)
	if err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"objects": res.Objects})
}

// manualOutSortedRequest is the PATCH /v1/image-channels/:imageId/:channelId
// body, the supplemented manual-override surface from original_source's
// interactive review workflow.
type manualOutSortedRequest struct {
	OutSorted bool `json:"out_sorted"`
}

func (s *Server) setManualOutSorted(c *gin.Context) {
	if s.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no result database open"})
		return
	}
	imageID := c.Param("imageId")
	channelID, err := strconv.ParseInt(c.Param("channelId"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channelId"})
		return
	}
	var req manualOutSortedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.Store.SetManualOutSorted(ctx, imageID, int32(channelID), req.OutSorted); err != nil {
		c.JSON(errStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

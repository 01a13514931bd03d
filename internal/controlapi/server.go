// Package controlapi is the local HTTP+websocket façade over one engine
// job: start/stop/reset/status, a live progress stream, a preview probe,
// and the manual out-sort override. Adapted from the teacher's
// internal/api package (gin engine, route groups, API-key middleware,
// websocket hub) narrowed from a multi-tenant face-recognition API to
// the single in-process job the scheduler enforces.
package controlapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/joda/imagec/internal/archive"
	"github.com/joda/imagec/internal/controlapi/ws"
	"github.com/joda/imagec/internal/controller"
	"github.com/joda/imagec/internal/notify"
	"github.com/joda/imagec/internal/resultdb"
	"github.com/joda/imagec/internal/scheduler"
	"github.com/joda/imagec/internal/settings"
)

// WorkBuilder turns a validated AnalyzeSettings document plus the
// controller's scanned image list into a concrete scheduler.Plan and
// scheduler.WorkFunc. Supplied by cmd/imagec, which owns the
// channelproc/pipeline/resultdb wiring controlapi does not import
// directly.
type WorkBuilder func(ctx context.Context, s *settings.AnalyzeSettings, images []controller.FileInfoImage) (scheduler.Plan, scheduler.WorkFunc, error)

// Server holds every dependency the HTTP handlers need. Callers (cmd/imagec)
// construct one Server per process and pass it to NewRouter.
type Server struct {
	Controller *controller.Controller
	Scheduler  *scheduler.Scheduler
	Store      *resultdb.Store   // nil until a job has opened its result database
	Mirror     *archive.Mirror   // nil when archiving is disabled
	Publisher  *notify.Publisher // nil when NATS notification is disabled
	Hub        *ws.Hub
	Log        *slog.Logger
	BuildWork  WorkBuilder
}

// StartProgressBroadcast watches the scheduler's progress and forwards
// every sample to both the websocket hub and (if configured) the NATS
// publisher, until ctx is cancelled or the job reaches a terminal state.
func (s *Server) StartProgressBroadcast(ctx context.Context, jobID string) {
	s.Scheduler.WatchProgress(ctx, 0, func(p scheduler.Progress, st scheduler.State) {
		errMsg := ""
		if st == scheduler.StateError {
			if err := s.Scheduler.Err(); err != nil {
				errMsg = err.Error()
			}
		}
		s.Hub.Broadcast(ws.ProgressEvent{
			State:    st.String(),
			Finished: p.Finished,
			Total:    p.Total,
			Error:    errMsg,
		})
		if s.Publisher != nil {
			if err := s.Publisher.Publish(ctx, notify.Event{
				JobID:     jobID,
				State:     st.String(),
				Finished:  p.Finished,
				Total:     p.Total,
				Error:     errMsg,
				Timestamp: time.Now(),
			}); err != nil {
				s.Log.Warn("publish job event failed", "error", err)
			}
		}
	})
}

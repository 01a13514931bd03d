package controlapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readyz reports engine readiness; the scheduler is always in-process so
// this is mostly a liveness check plus a reflection of the current job
// state, not a dependency ping (the engine has no required external
// services — archive/notify are both optional).
func (s *Server) readyz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"job":    s.Scheduler.State().String(),
	})
}

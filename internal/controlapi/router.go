package controlapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joda/imagec/internal/auth"
)

// NewRouter builds the gin engine: unauthenticated system endpoints,
// then an API-key-guarded /v1 group for job lifecycle, preview, and the
// manual out-sort override. apiKey == "" disables authentication,
// matching auth.APIKeyMiddleware.
func (s *Server) NewRouter(apiKey string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(loggingMiddleware())
	r.Use(cors.Default())

	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(apiKey))

	v1.GET("/jobs/ws", s.Hub.HandleWS)
	v1.POST("/jobs", s.startJob)
	v1.POST("/jobs/stop", s.stopJob)
	v1.POST("/jobs/reset", s.resetJob)
	v1.GET("/jobs/status", s.jobStatus)

	v1.POST("/preview", s.preview)

	v1.PATCH("/image-channels/:imageId/:channelId", s.setManualOutSorted)

	return r
}

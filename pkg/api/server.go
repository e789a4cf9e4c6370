// Package api exposes the runtime over HTTP: run lifecycle endpoints, SSE
// and WebSocket event streams, brain catalog queries, and the inbound
// webhook receiver.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cerebro-sh/cerebro/pkg/brain"
	"github.com/cerebro-sh/cerebro/pkg/eventlog"
	"github.com/cerebro-sh/cerebro/pkg/run"
)

// HealthChecker reports backend liveness; nil means no backing service to
// check (in-memory store).
type HealthChecker func(ctx context.Context) error

// Server wires the run manager and brain registry to HTTP handlers.
type Server struct {
	manager  *run.Manager
	registry *brain.Registry
	store    eventlog.Store
	health   HealthChecker
	backend  string
	logger   *slog.Logger
}

// NewServer creates the API server.
func NewServer(manager *run.Manager, registry *brain.Registry, store eventlog.Store, backend string, health HealthChecker) *Server {
	return &Server{
		manager:  manager,
		registry: registry,
		store:    store,
		health:   health,
		backend:  backend,
		logger:   slog.Default().With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/health", s.healthHandler)

	brains := r.Group("/brains")
	{
		brains.GET("", s.listBrains)
		brains.GET("/watch", s.watchAll)
		brains.POST("/runs", s.startRun)
		brains.POST("/runs/rerun", s.rerun)
		brains.GET("/runs/:runId", s.getRun)
		brains.DELETE("/runs/:runId", s.killRun)
		brains.GET("/runs/:runId/watch", s.watchRun)
		brains.GET("/runs/:runId/ws", s.watchRunWS)
		brains.POST("/runs/:runId/pause", s.pauseRun)
		brains.POST("/runs/:runId/resume", s.resumeRun)
		brains.POST("/runs/:runId/message", s.sendMessage)
		brains.GET("/:identifier", s.getBrain)
		brains.GET("/:identifier/active-runs", s.activeRuns)
		brains.GET("/:identifier/history", s.runHistory)
	}

	r.POST("/webhooks/:slug", s.receiveWebhook)
	return r
}

func (s *Server) healthHandler(c *gin.Context) {
	resp := gin.H{"status": "healthy", "backend": s.backend}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			resp["status"] = "unhealthy"
			resp["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

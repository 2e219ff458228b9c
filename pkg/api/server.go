// Package api exposes the HTTP and WebSocket surface: starting supervisor
// turns, inspecting runs and worker jobs, cancellation, and the live event
// stream.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maestro-run/maestro/pkg/database"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/queue"
	"github.com/maestro-run/maestro/pkg/store"
	"github.com/maestro-run/maestro/pkg/supervisor"
)

// Server wires the service layer to HTTP handlers.
type Server struct {
	store      store.Store
	service    *supervisor.Service
	processor  *queue.Processor
	manager    *events.ConnectionManager
	db         *database.Client
	logger     *slog.Logger
	wsOrigins  []string
}

func NewServer(st store.Store, service *supervisor.Service, processor *queue.Processor,
	manager *events.ConnectionManager, db *database.Client, logger *slog.Logger, wsOrigins []string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store: st, service: service, processor: processor,
		manager: manager, db: db, logger: logger, wsOrigins: wsOrigins,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.Health)
	r.GET("/ws", s.HandleWS)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/runs", s.CreateRun)
		apiGroup.GET("/runs/:id", s.GetRun)
		apiGroup.POST("/runs/:id/cancel", s.CancelRun)
		apiGroup.GET("/runs/:id/events", s.ListRunEvents)
		apiGroup.GET("/runs/:id/jobs", s.ListRunJobs)
		apiGroup.GET("/jobs/:id", s.GetJob)
		apiGroup.POST("/jobs/:id/cancel", s.CancelJob)
	}
	return r
}

// requestLogger logs one line per request via slog.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Health reports process and database health.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := contextWithTimeout(c, 5*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"connections": s.manager.ActiveConnections(),
	})
}

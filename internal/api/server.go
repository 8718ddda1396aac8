// Package api exposes the orchestrator over HTTP: job submission and
// lifecycle actions, log retrieval, capacity inspection and bulk
// operations.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourorg/convoy/internal/bulk"
	"github.com/yourorg/convoy/internal/registry"
	"github.com/yourorg/convoy/internal/store"
)

type Server struct {
	store  store.Store
	reg    *registry.Registry
	bulk   *bulk.Manager
	logger *slog.Logger
}

func NewServer(st store.Store, reg *registry.Registry, bm *bulk.Manager, logger *slog.Logger) *Server {
	return &Server{store: st, reg: reg, bulk: bm, logger: logger}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(s.logger))
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")

	jobs := v1.Group("/jobs")
	jobs.POST("", s.createJob)
	jobs.GET("", s.listJobs)
	jobs.GET("/:id", s.getJob)
	jobs.GET("/:id/logs", s.getJobLogs)
	jobs.POST("/:id/queue", s.queueJob)
	jobs.POST("/:id/cancel", s.cancelJob)
	jobs.POST("/:id/requeue", s.requeueJob)

	v1.GET("/capacity/:type", s.getCapacity)

	b := v1.Group("/bulk")
	b.POST("/jobs", s.bulkCreate)
	b.POST("/status", s.bulkStatus)
	b.POST("/migrate", s.bulkMigrate)

	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.Info("http request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

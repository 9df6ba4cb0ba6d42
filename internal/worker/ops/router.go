// Package ops serves the worker's health and metrics endpoints.
package ops

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 3 * time.Second

// DatabaseChecker verifies the status store is reachable
type DatabaseChecker interface {
	HealthCheck(ctx context.Context) error
}

// QueueChecker reports whether the queue connection is up
type QueueChecker interface {
	IsConnected() bool
}

// BuildStats exposes the permit pool
type BuildStats interface {
	InFlight() int
	Limit() int
}

// Dependencies holds what the ops endpoints report on
type Dependencies struct {
	Logger         *slog.Logger
	ServiceName    string
	Database       DatabaseChecker
	Queue          QueueChecker
	Builds         BuildStats
	MetricsHandler http.Handler // nil disables /metrics
}

// SetupRouter configures the ops router
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", healthHandler(deps))
	if deps.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	return r
}

func healthHandler(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		checks := gin.H{}
		healthy := true

		if deps.Database != nil {
			if err := deps.Database.HealthCheck(ctx); err != nil {
				deps.Logger.Warn("Database health check failed", slog.Any("error", err))
				checks["database"] = "unhealthy"
				healthy = false
			} else {
				checks["database"] = "healthy"
			}
		}

		if deps.Queue != nil {
			if deps.Queue.IsConnected() {
				checks["rabbitmq"] = "healthy"
			} else {
				checks["rabbitmq"] = "unhealthy"
				healthy = false
			}
		}

		body := gin.H{
			"service": deps.ServiceName,
			"checks":  checks,
		}
		if deps.Builds != nil {
			body["builds_in_flight"] = deps.Builds.InFlight()
			body["concurrency"] = deps.Builds.Limit()
		}

		if !healthy {
			body["status"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		body["status"] = "healthy"
		c.JSON(http.StatusOK, body)
	}
}

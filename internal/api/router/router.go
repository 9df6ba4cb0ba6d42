package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/template-worker/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		if err := deps.DBClient.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "template-api-service",
				"error":   err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "template-api-service",
		})
	})

	// Initialize template handler
	templateHandler := handler.NewTemplateHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		templates := v1.Group("/templates")
		{
			// POST /api/v1/templates - Register an uploaded archive and queue its build
			templates.POST("", templateHandler.CreateTemplate)

			// GET /api/v1/templates - List templates with filtering and pagination
			templates.GET("", templateHandler.ListTemplates)

			// GET /api/v1/templates/:template_id - Get build status
			templates.GET("/:template_id", templateHandler.GetTemplate)

			// POST /api/v1/templates/:template_id/resubmit - Build a finished template again
			templates.POST("/:template_id/resubmit", templateHandler.ResubmitTemplate)
		}
	}

	return r
}

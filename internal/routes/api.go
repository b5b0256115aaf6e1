package routes

import (
	"dealflow-pipeline/internal/handlers"

	"github.com/gin-gonic/gin"
)

type Handlers struct {
	Observation *handlers.ObservationHandler
	Listing     *handlers.ListingHandler
	Maintenance *handlers.MaintenanceHandler
	Health      *handlers.HealthHandler
	Metrics     *handlers.MetricsHandler
}

func SetupRoutes(router *gin.Engine, h Handlers) {
	// Root endpoint
	router.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"service": "dealflow-pipeline",
			"version": "1.0.0",
			"status":  "running",
		})
	})

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		observations := v1.Group("/observations")
		{
			observations.POST("", h.Observation.SubmitObservation)
			observations.POST("/batch", h.Observation.SubmitBatch)
			observations.POST("/:id/replay", h.Observation.ReplayObservation)
		}

		pages := v1.Group("/pages/:page")
		{
			pages.GET("/listings", h.Listing.ListListings)
			pages.GET("/categories", h.Listing.ListCategories)
		}

		// Admin routes see listings in every state and are not part of
		// the serving path.
		admin := v1.Group("/admin")
		{
			listings := admin.Group("/listings")
			{
				listings.GET("/:id", h.Listing.GetListing)
				listings.DELETE("/:id", h.Listing.RemoveListing)
			}

			maintenance := admin.Group("/maintenance")
			{
				maintenance.POST("/expire", h.Maintenance.ExpireStale)
				maintenance.POST("/purge", h.Maintenance.PurgeRemoved)
			}
		}

		// Health routes
		health := v1.Group("/health")
		{
			health.GET("", h.Health.HealthCheck)
			health.GET("/live", h.Health.LivenessProbe)
			health.GET("/ready", h.Health.ReadinessProbe)
		}

		// Metrics routes
		metrics := v1.Group("/metrics")
		{
			metrics.GET("", h.Metrics.GetMetrics)
			metrics.GET("/pipeline", h.Metrics.GetPipelineStats)
			metrics.GET("/system", h.Metrics.GetSystemResources)
		}
	}
}

package handlers

import (
	"context"
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"dealflow-pipeline/internal/services"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// maxInFlight is the number of concurrently processing observations above
// which the readiness probe reports not ready.
const maxInFlight = 100

type HealthHandler struct {
	pipeline  *services.Pipeline
	logger    *logger.Logger
	startTime time.Time
}

func NewHealthHandler(pipeline *services.Pipeline, logger *logger.Logger) *HealthHandler {
	return &HealthHandler{
		pipeline:  pipeline,
		logger:    logger,
		startTime: time.Now(),
	}
}

func (healthHandler *HealthHandler) HealthCheck(ctx *gin.Context) {
	startTime := time.Now()

	healthHandler.logger.Debug("Health Check requested")

	checkCtx, cancel := context.WithTimeout(ctx.Request.Context(), 10*time.Second)
	defer cancel()

	results := healthHandler.pipeline.HealthCheck(checkCtx)

	status := "healthy"
	statusCode := http.StatusOK
	services := make(map[string]string, len(results))
	for name, err := range results {
		if err == nil {
			services[name] = "healthy"
			continue
		}
		services[name] = err.Error()
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
		healthHandler.logger.WithFields(logger.Fields{
			"dependency": name,
			"error":      err.Error(),
		}).Error("Health Check failed")
	}

	healthHandler.logger.WithFields(logger.Fields{
		"status":      status,
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Debug("Health Check completed")

	ctx.JSON(statusCode, models.HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Services:  services,
		Uptime:    time.Since(healthHandler.startTime).Seconds(),
	})
}

func (healthHandler *HealthHandler) LivenessProbe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
		"uptime":    time.Since(healthHandler.startTime).Seconds(),
	})
}

func (healthHandler *HealthHandler) ReadinessProbe(c *gin.Context) {
	inFlight := healthHandler.pipeline.GetActiveObservationsCount()
	ready := inFlight < maxInFlight

	status := "ready"
	statusCode := http.StatusOK

	if !ready {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"ready":     ready,
		"in_flight": inFlight,
		"timestamp": time.Now(),
	})
}

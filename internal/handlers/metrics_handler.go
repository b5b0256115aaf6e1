package handlers

import (
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"dealflow-pipeline/internal/services"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

type MetricsHandler struct {
	pipeline *services.Pipeline
	logger   *logger.Logger
}

func NewMetricsHandler(pipeline *services.Pipeline, logger *logger.Logger) *MetricsHandler {
	return &MetricsHandler{
		pipeline: pipeline,
		logger:   logger,
	}
}

func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	startTime := time.Now()

	stats := h.pipeline.GetStats()
	if depth, err := h.pipeline.QueueDepth(c.Request.Context()); err == nil {
		stats["queue_depth"] = depth
	} else {
		h.logger.WithError(err).Warn("Failed to read queue depth")
	}

	response := models.MetricsResponse{
		Service:         "dealflow-pipeline",
		Timestamp:       time.Now(),
		Pipeline:        stats,
		InFlight:        h.pipeline.GetActiveObservationsCount(),
		SystemResources: h.getSystemResources(),
	}

	h.logger.WithFields(logger.Fields{
		"duration_ms": time.Since(startTime).Milliseconds(),
	}).Debug("Metrics collected")

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Metrics retrieved",
		Data:    response,
	})
}

func (h *MetricsHandler) GetPipelineStats(c *gin.Context) {
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Pipeline stats retrieved",
		Data:    h.pipeline.GetStats(),
	})
}

func (h *MetricsHandler) GetSystemResources(c *gin.Context) {
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "System resources retrieved",
		Data:    h.getSystemResources(),
	})
}

func (h *MetricsHandler) getSystemResources() models.SystemResourcesInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return models.SystemResourcesInfo{
		HeapAllocMB:    float64(memStats.HeapAlloc) / 1024 / 1024,
		SysMB:          float64(memStats.Sys) / 1024 / 1024,
		NumGC:          memStats.NumGC,
		GoroutineCount: runtime.NumGoroutine(),
	}
}

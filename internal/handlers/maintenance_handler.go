package handlers

import (
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"dealflow-pipeline/internal/services"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type MaintenanceHandler struct {
	maintenance *services.MaintenanceService
	logger      *logger.Logger
}

func NewMaintenanceHandler(maintenance *services.MaintenanceService, logger *logger.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		maintenance: maintenance,
		logger:      logger,
	}
}

// ExpireStale runs the expiry sweep. The sweep time defaults to now and can
// be pinned with ?now=RFC3339.
func (h *MaintenanceHandler) ExpireStale(c *gin.Context) {
	now := time.Now().UTC()
	if raw := c.Query("now"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, h.logger, "Invalid sweep time",
				models.NewValidationError("INVALID_TIME", "now must be RFC3339", err.Error()))
			return
		}
		now = t.UTC()
	}

	count, err := h.maintenance.ExpireStaleListings(c.Request.Context(), now)
	if err != nil {
		respondError(c, h.logger, "Expiry sweep failed", err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Expiry sweep completed",
		Data:    models.ExpireResponse{Count: count, Now: now},
	})
}

func (h *MaintenanceHandler) PurgeRemoved(c *gin.Context) {
	olderThan := h.maintenance.PurgeAfter()
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			details := "older_than must be a non-negative duration"
			if err != nil {
				details = err.Error()
			}
			respondError(c, h.logger, "Invalid purge age",
				models.NewValidationError("INVALID_DURATION", "Invalid purge age", details))
			return
		}
		olderThan = d
	}

	count, cutoff, err := h.maintenance.PurgeRemovedListings(c.Request.Context(), olderThan)
	if err != nil {
		respondError(c, h.logger, "Purge failed", err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Removed listings purged",
		Data:    models.PurgeResponse{Count: count, OlderThan: cutoff},
	})
}

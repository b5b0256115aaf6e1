package handlers

import (
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"dealflow-pipeline/internal/services"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type ListingHandler struct {
	query       *services.QueryService
	maintenance *services.MaintenanceService
	logger      *logger.Logger
}

func NewListingHandler(query *services.QueryService, maintenance *services.MaintenanceService, logger *logger.Logger) *ListingHandler {
	return &ListingHandler{
		query:       query,
		maintenance: maintenance,
		logger:      logger,
	}
}

func (h *ListingHandler) ListListings(c *gin.Context) {
	q := models.ListingQuery{
		Page:        c.Param("page"),
		Category:    c.Query("category"),
		ContentType: models.ContentType(c.Query("content_type")),
	}
	var err error
	if q.Limit, err = intQuery(c, "limit"); err != nil {
		bindError(c, h.logger, err)
		return
	}
	if q.Offset, err = intQuery(c, "offset"); err != nil {
		bindError(c, h.logger, err)
		return
	}

	listings, err := h.query.ListListings(c.Request.Context(), q)
	if err != nil {
		respondError(c, h.logger, "Failed to list listings", err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Listings retrieved",
		Data:    listings,
	})
}

func (h *ListingHandler) ListCategories(c *gin.Context) {
	counts, err := h.query.ListCategories(c.Request.Context(), c.Param("page"))
	if err != nil {
		respondError(c, h.logger, "Failed to list categories", err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Categories retrieved",
		Data:    counts,
	})
}

func (h *ListingHandler) GetListing(c *gin.Context) {
	group, err := h.query.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Listing not found", err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Listing retrieved",
		Data:    group,
	})
}

func (h *ListingHandler) RemoveListing(c *gin.Context) {
	listing, err := h.maintenance.RemoveListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Failed to remove listing", err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Listing removed",
		Data:    listing,
	})
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

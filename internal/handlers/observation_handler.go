package handlers

import (
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"dealflow-pipeline/internal/services"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

type ObservationHandler struct {
	pipeline  *services.Pipeline
	logger    *logger.Logger
	validator *validator.Validate
}

func NewObservationHandler(pipeline *services.Pipeline, logger *logger.Logger) *ObservationHandler {
	return &ObservationHandler{
		pipeline:  pipeline,
		logger:    logger,
		validator: newValidator(),
	}
}

// SubmitObservation accepts one deal message. It is queued by default;
// with sync=true it is processed inline and the result returned.
func (h *ObservationHandler) SubmitObservation(c *gin.Context) {
	startTime := time.Now()

	var req models.SubmitObservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, h.logger, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(c, h.logger, "Invalid observation",
			models.NewValidationError("INVALID_OBSERVATION", "Invalid observation", err.Error()))
		return
	}

	obs := services.NewRawObservation(req.SourceChannelID, req.DestinationPage, req.RawText, req.EmbeddedURLs, req.ArrivedAt)
	sync, _ := strconv.ParseBool(c.Query("sync"))

	if sync {
		result, err := h.pipeline.SubmitSync(c.Request.Context(), obs)
		if err != nil && result == nil {
			respondError(c, h.logger, "Observation processing failed", err)
			return
		}
		message := "Observation processed"
		errText := ""
		if err != nil {
			message = "Observation processed with errors"
			errText = err.Error()
		}
		h.logger.WithFields(logger.Fields{
			"observation_id": obs.ID,
			"page":           obs.DestinationPage,
			"urls":           len(obs.EmbeddedURLs),
			"persisted":      result.Persisted(),
			"duration_ms":    time.Since(startTime).Milliseconds(),
		}).Info("Observation processed inline")
		c.JSON(http.StatusOK, models.APIResponse{
			Success: err == nil,
			Message: message,
			Data:    result,
			Error:   errText,
		})
		return
	}

	if err := h.pipeline.Submit(c.Request.Context(), obs); err != nil {
		respondError(c, h.logger, "Failed to queue observation", err)
		return
	}

	h.logger.WithFields(logger.Fields{
		"observation_id": obs.ID,
		"source":         obs.SourceChannelID,
		"page":           obs.DestinationPage,
		"urls":           len(obs.EmbeddedURLs),
	}).Info("Observation queued")

	c.JSON(http.StatusAccepted, models.APIResponse{
		Success: true,
		Message: "Observation queued",
		Data:    models.SubmitObservationResponse{ObservationID: obs.ID, Queued: true},
	})
}

func (h *ObservationHandler) SubmitBatch(c *gin.Context) {
	var req models.SubmitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, h.logger, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(c, h.logger, "Invalid observation batch",
			models.NewValidationError("INVALID_OBSERVATION", "Invalid observation batch", err.Error()))
		return
	}

	batch := make([]models.RawObservation, 0, len(req.Observations))
	for _, o := range req.Observations {
		batch = append(batch, services.NewRawObservation(o.SourceChannelID, o.DestinationPage, o.RawText, o.EmbeddedURLs, o.ArrivedAt))
	}

	results, err := h.pipeline.ProcessBatch(c.Request.Context(), batch)
	if err != nil {
		respondError(c, h.logger, "Batch rejected", err)
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Batch processed",
		Data:    results,
	})
}

func (h *ObservationHandler) ReplayObservation(c *gin.Context) {
	id := c.Param("id")

	obs, err := h.pipeline.Replay(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "Failed to replay observation", err)
		return
	}

	c.JSON(http.StatusAccepted, models.APIResponse{
		Success: true,
		Message: "Observation queued for replay",
		Data:    models.SubmitObservationResponse{ObservationID: obs.ID, Queued: true},
	})
}

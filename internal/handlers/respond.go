package handlers

import (
	"dealflow-pipeline/internal/models"
	"dealflow-pipeline/internal/pkg/logger"
	"errors"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

var slugRe = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// newValidator registers the tags used by the request DTOs on top of the
// validator defaults.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugRe.MatchString(fl.Field().String())
	})
	return v
}

// respondError writes err in the response envelope with the status its
// AppError carries. Anything else is a 500.
func respondError(c *gin.Context, log *logger.Logger, message string, err error) {
	status := models.StatusCode(err)

	entry := log.WithFields(logger.Fields{
		"path":   c.FullPath(),
		"status": status,
		"error":  err.Error(),
	})
	if requestID, ok := c.Get("request_id"); ok {
		entry = entry.WithField("request_id", requestID)
	}
	if status >= 500 {
		entry.Error(message)
	} else {
		entry.Warn(message)
	}

	body := models.APIResponse{
		Success: false,
		Message: message,
		Error:   err.Error(),
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		body.Data = gin.H{"code": appErr.Code}
	}
	c.JSON(status, body)
}

func bindError(c *gin.Context, log *logger.Logger, err error) {
	respondError(c, log, "Invalid request format",
		models.NewValidationError("INVALID_REQUEST", "Invalid request format", err.Error()))
}

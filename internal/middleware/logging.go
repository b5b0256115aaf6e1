package middleware

import (
	"bytes"
	"dealflow-pipeline/internal/pkg/logger"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxLoggedBody = 1000

func LoggingMiddleware(log *logger.Logger) gin.HandlerFunc {
	return gin.HandlerFunc(func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)

		startTime := time.Now()

		if c.Request.Method == http.MethodPost || c.Request.Method == http.MethodPut {
			if c.Request.Body != nil {
				requestBody, _ := io.ReadAll(c.Request.Body)
				c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))

				bodyStr := string(requestBody)
				if len(bodyStr) > maxLoggedBody {
					bodyStr = bodyStr[:maxLoggedBody] + "... (truncated)"
				}
				log.WithRequestID(requestID).WithField("body", bodyStr).Debug("Request Body")
			}
		}

		c.Next()

		log.LogRequest(
			requestID,
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			time.Since(startTime),
			c.Writer.Status(),
		)

		if len(c.Errors) > 0 {
			log.WithFields(logger.Fields{
				"request_id": requestID,
				"errors":     c.Errors.String(),
			}).Error("Request errors")
		}
	})
}

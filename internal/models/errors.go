package models

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeExternal    ErrorType = "external"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeConflict    ErrorType = "conflict"
)

type AppError struct {
	Type          ErrorType              `json:"type"`
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	Details       string                 `json:"details,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	RequestID     string                 `json:"request_id,omitempty"`
	ObservationID string                 `json:"observation_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	StatusCode    int                    `json:"status_code"`
	Retryable     bool                   `json:"retryable"`
	RetryAfter    *time.Duration         `json:"retry_after,omitempty"`
	Cause         error                  `json:"-"`
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s - %s", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on Code so package-level sentinels work with errors.Is
// even though callers receive copies.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithContext(requestID, observationID string) *AppError {
	e.RequestID = requestID
	e.ObservationID = observationID
	return e
}

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func (e *AppError) WithRetryAfter(duration time.Duration) *AppError {
	e.RetryAfter = &duration
	return e
}

// clone lets sentinels be decorated without mutating the shared value.
func (e *AppError) clone() *AppError {
	c := *e
	c.Timestamp = time.Now()
	c.Metadata = nil
	return &c
}

// Error constructors
func NewValidationError(code, message, details string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Details:    details,
		Timestamp:  time.Now(),
		StatusCode: http.StatusBadRequest,
		Retryable:  false,
	}
}

func NewNotFoundError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now(),
		StatusCode: http.StatusNotFound,
		Retryable:  false,
	}
}

func NewTimeoutError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeTimeout,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now(),
		StatusCode: http.StatusGatewayTimeout,
		Retryable:  true,
		RetryAfter: &[]time.Duration{5 * time.Second}[0],
	}
}

func NewRateLimitError(code, message string, retryAfter time.Duration) *AppError {
	return &AppError{
		Type:       ErrorTypeRateLimit,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now(),
		StatusCode: http.StatusTooManyRequests,
		Retryable:  true,
		RetryAfter: &retryAfter,
	}
}

func NewExternalError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now(),
		StatusCode: http.StatusBadGateway,
		Retryable:  true,
		RetryAfter: &[]time.Duration{3 * time.Second}[0],
	}
}

func NewInternalError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now(),
		StatusCode: http.StatusInternalServerError,
		Retryable:  false,
	}
}

func NewUnavailableError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeUnavailable,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now(),
		StatusCode: http.StatusServiceUnavailable,
		Retryable:  true,
		RetryAfter: &[]time.Duration{10 * time.Second}[0],
	}
}

func NewConflictError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now(),
		StatusCode: http.StatusConflict,
		Retryable:  false,
	}
}

var (
	ErrListingNotFound     = NewNotFoundError("LISTING_NOT_FOUND", "Listing not found")
	ErrObservationNotFound = NewNotFoundError("OBSERVATION_NOT_FOUND", "Observation not found")
	ErrInvalidTransition   = NewConflictError("INVALID_TRANSITION", "Listing status transition not allowed")
	ErrNoEligibleNetwork   = NewInternalError("NO_ELIGIBLE_NETWORK", "No active affiliate network configured")
	ErrQueueClosed         = NewUnavailableError("QUEUE_CLOSED", "Observation queue is closed")
	ErrServiceUnavailable  = NewUnavailableError("SERVICE_UNAVAILABLE", "Service temporarily unavailable")
)

// NotFound returns a fresh copy of a not-found sentinel carrying the id.
func NotFound(sentinel *AppError, id string) *AppError {
	return sentinel.clone().WithMetadata("id", id)
}

// InvalidTransition returns ErrInvalidTransition annotated with both states.
func InvalidTransition(from, to ProcessingStatus) *AppError {
	return ErrInvalidTransition.clone().
		WithDetails(fmt.Sprintf("%s -> %s", from, to)).
		WithMetadata("from", string(from)).
		WithMetadata("to", string(to))
}

func WrapExternalError(service string, err error) *AppError {
	return NewExternalError(
		fmt.Sprintf("%s_ERROR", service),
		fmt.Sprintf("%s service error", service),
	).WithCause(err)
}

func WrapTimeoutError(operation string, err error) *AppError {
	return NewTimeoutError(
		"OPERATION_TIMEOUT",
		fmt.Sprintf("Operation %s timed out", operation),
	).WithCause(err)
}

func WrapStoreError(operation string, err error) *AppError {
	return NewInternalError(
		"STORE_ERROR",
		fmt.Sprintf("Store operation %s failed", operation),
	).WithCause(err)
}

// IsRetryable reports whether any AppError in the chain is marked retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// StatusCode maps an error to an HTTP status, defaulting to 500.
func StatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

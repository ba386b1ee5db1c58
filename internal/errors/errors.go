package errors

import (
	"net/http"
	"time"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"
	ErrInvalidJSON      ErrorCode = "40003"
	ErrMissingParameter ErrorCode = "40004"
	ErrInvalidEvent     ErrorCode = "40005"

	// Authentication errors (401xx)
	ErrUnauthorized       ErrorCode = "40100"
	ErrInvalidCredentials ErrorCode = "40101"
	ErrTokenExpired       ErrorCode = "40102"
	ErrInvalidAPIKey      ErrorCode = "40103"

	// Authorization errors (403xx)
	ErrForbidden ErrorCode = "40301"

	// Resource errors (404xx)
	ErrNotFound             ErrorCode = "40400"
	ErrSubscriptionNotFound ErrorCode = "40401"
	ErrDeliveryNotFound     ErrorCode = "40402"
	ErrAPIKeyNotFound       ErrorCode = "40403"

	// Conflict errors (409xx)
	ErrDeliveryInProgress      ErrorCode = "40901"
	ErrSubscriptionUnavailable ErrorCode = "40902"

	// Payload errors (413xx)
	ErrPayloadTooLarge ErrorCode = "41301"

	// Rate limit errors (429xx)
	ErrRateLimited ErrorCode = "42902"

	// Server errors (500xx)
	ErrInternalServer ErrorCode = "50001"
	ErrDatabaseError  ErrorCode = "50002"
	ErrCacheError     ErrorCode = "50003"

	// Unavailable errors (503xx)
	ErrServiceUnavailable ErrorCode = "50301"
	ErrRotationFailed     ErrorCode = "50302"
	ErrQueueFull          ErrorCode = "50303"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
	Timestamp  time.Time `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// WithDetails returns a copy of the error carrying details
func (e *APIError) WithDetails(details any) *APIError {
	cp := *e
	cp.Details = details
	cp.Timestamp = time.Now().UTC()
	return &cp
}

// WithMessage returns a copy of the error with a different message
func (e *APIError) WithMessage(message string) *APIError {
	cp := *e
	cp.Message = message
	cp.Timestamp = time.Now().UTC()
	return &cp
}

// ErrorBody is the "error" object of an error response
type ErrorBody struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Timestamp string    `json:"timestamp"`
	Path      string    `json:"path,omitempty"`
	Method    string    `json:"method,omitempty"`
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error         ErrorBody `json:"error"`
	RequestID     string    `json:"request_id"`
	CorrelationID string    `json:"correlation_id"`
}

// NewErrorResponse builds the wire form of an API error
func NewErrorResponse(err *APIError, requestID, correlationID, path, method string) *ErrorResponse {
	ts := err.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if correlationID == "" {
		correlationID = requestID
	}
	return &ErrorResponse{
		Error: ErrorBody{
			Code:      err.Code,
			Message:   err.Message,
			Details:   err.Details,
			Timestamp: ts.Format(time.RFC3339),
			Path:      path,
			Method:    method,
		},
		RequestID:     requestID,
		CorrelationID: correlationID,
	}
}

// Common errors
var (
	// ErrUnauthorizedError is the single response used for every inbound
	// authentication failure.
	ErrUnauthorizedError = &APIError{
		Code:       ErrInvalidCredentials,
		Message:    "Invalid credentials",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrTokenExpiredError = &APIError{
		Code:       ErrTokenExpired,
		Message:    "Token has expired",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbiddenError = &APIError{
		Code:       ErrForbidden,
		Message:    "Access denied",
		HTTPStatus: http.StatusForbidden,
	}

	ErrSubscriptionNotFoundError = &APIError{
		Code:       ErrSubscriptionNotFound,
		Message:    "Webhook subscription not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrDeliveryNotFoundError = &APIError{
		Code:       ErrDeliveryNotFound,
		Message:    "Delivery not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrAPIKeyNotFoundError = &APIError{
		Code:       ErrAPIKeyNotFound,
		Message:    "No active API key",
		HTTPStatus: http.StatusNotFound,
	}

	ErrDeliveryInProgressError = &APIError{
		Code:       ErrDeliveryInProgress,
		Message:    "Delivery is still in progress",
		HTTPStatus: http.StatusConflict,
	}

	ErrSubscriptionUnavailableError = &APIError{
		Code:       ErrSubscriptionUnavailable,
		Message:    "Webhook subscription is disabled or deleted",
		HTTPStatus: http.StatusConflict,
	}

	ErrPayloadTooLargeError = &APIError{
		Code:       ErrPayloadTooLarge,
		Message:    "Request body too large",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrRateLimitedError = &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrDatabaseErrorError = &APIError{
		Code:       ErrDatabaseError,
		Message:    "Database error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrServiceUnavailableError = &APIError{
		Code:       ErrServiceUnavailable,
		Message:    "Service temporarily unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrRotationFailedError = &APIError{
		Code:       ErrRotationFailed,
		Message:    "Rotation did not take effect, previous credential is still active",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrQueueFullError = &APIError{
		Code:       ErrQueueFull,
		Message:    "Delivery queue is full",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidEventError creates an error for an event envelope that failed validation
func NewInvalidEventError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidEvent,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewRateLimitError creates a rate limit error with a retry hint
func NewRateLimitError(retryAfterSeconds int64) *APIError {
	return &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		Details:    map[string]int64{"retry_after_seconds": retryAfterSeconds},
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// IsServerError reports a 5xx error
func IsServerError(err *APIError) bool {
	return err.HTTPStatus >= 500 && err.HTTPStatus < 600
}

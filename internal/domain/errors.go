package domain

import (
	"fmt"
	"time"
)

// QCError represents a standardized engine error
type QCError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (e *QCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrUnknownTest      = "UNKNOWN_TEST"
	ErrCatalogInvalid   = "CATALOG_INVALID"
	ErrInvalidInput     = "INVALID_INPUT"
	ErrAlertNotFound    = "ALERT_NOT_FOUND"
	ErrAlreadyAcked     = "ALREADY_ACKNOWLEDGED"
	ErrDeliveryFailed   = "DELIVERY_FAILED"
	ErrStorageError     = "STORAGE_ERROR"
	ErrInvalidTimeframe = "INVALID_TIMEFRAME"
	ErrInvalidFormat    = "INVALID_FORMAT"
)

// NewQCError creates a new QCError with timestamp
func NewQCError(code, message, details string) *QCError {
	return &QCError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

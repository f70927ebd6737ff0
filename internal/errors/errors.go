// Package errors provides structured error types for the sync core.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout     = errors.New("operation timed out")
	ErrNotFound    = errors.New("resource not found")
	ErrUnavailable = errors.New("service unavailable")
)

// APIError represents an error from a call through the HTTP boundary.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (status %d): %s: %v", e.Endpoint, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (status %d): %s", e.Endpoint, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(endpoint string, statusCode int, message string) *APIError {
	return &APIError{Endpoint: endpoint, StatusCode: statusCode, Message: message}
}

// OperationBlockedError is raised by the connection guard when an
// operation needs the backing compute host and it is not reachable.
// It is a user-facing message, not a retryable fault.
type OperationBlockedError struct {
	Op     string
	Reason string
}

func (e *OperationBlockedError) Error() string {
	return fmt.Sprintf("%s is unavailable while %s", e.Op, e.Reason)
}

// ServerError carries the message of an inbound error frame. The channel
// stays open; the message is surfaced as last-error only.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server reported: %s", e.Message)
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

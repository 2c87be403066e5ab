// Package errors provides structured error handling with context propagation and HTTP status code mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeProtocol indicates a malformed or unexpected upstream frame; logged and dropped, non-fatal.
	TypeProtocol ErrorType = "protocol"
	// TypeTransport indicates a socket error or close; feeds the reconnect decision.
	TypeTransport ErrorType = "transport"
	// TypeSessionInvalidated indicates the upstream invalidated the session; re-identify required.
	TypeSessionInvalidated ErrorType = "session_invalidated"
	// TypeQueueFull indicates the command queue rejected an enqueue at capacity (HTTP 429).
	TypeQueueFull ErrorType = "queue_full"
	// TypeDispatchFailure indicates a dispatcher reported retry for a queued command.
	TypeDispatchFailure ErrorType = "dispatch_failure"
	// TypeReconnectExhausted indicates the gateway gave up reconnecting; operator action required.
	TypeReconnectExhausted ErrorType = "reconnect_exhausted"
	// TypeValidation indicates invalid input (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeAuthentication indicates a missing or unresolvable token (HTTP 401)
	TypeAuthentication ErrorType = "authentication"
	// TypeNotFound indicates resource not found (HTTP 404)
	TypeNotFound ErrorType = "not_found"
	// TypeRateLimit indicates the caller exceeded the request budget (HTTP 429)
	TypeRateLimit ErrorType = "rate_limit"
	// TypeDatabase indicates a storage error (HTTP 500)
	TypeDatabase ErrorType = "database"
	// TypeUnavailable indicates a dependency is down (HTTP 503)
	TypeUnavailable ErrorType = "unavailable"
	// TypeInternal indicates server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeAuthentication:
		return http.StatusUnauthorized
	case TypeNotFound:
		return http.StatusNotFound
	case TypeQueueFull, TypeRateLimit:
		return http.StatusTooManyRequests
	case TypeTransport, TypeDispatchFailure:
		return http.StatusBadGateway
	case TypeSessionInvalidated, TypeReconnectExhausted, TypeUnavailable:
		return http.StatusServiceUnavailable
	case TypeProtocol, TypeDatabase, TypeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ProtocolError creates an error for a malformed upstream frame.
func ProtocolError(message string, cause error) *Error {
	return &Error{
		Type:    TypeProtocol,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// TransportError creates an error for a socket failure or unexpected close.
func TransportError(message string, cause error) *Error {
	return &Error{
		Type:    TypeTransport,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// SessionInvalidatedError creates an error signaling the upstream dropped the session.
func SessionInvalidatedError(message string) *Error {
	return &Error{
		Type:    TypeSessionInvalidated,
		Message: message,
		Context: make(map[string]any),
	}
}

// QueueFullError creates an error for an enqueue rejected at capacity.
func QueueFullError(size int) *Error {
	return &Error{
		Type:    TypeQueueFull,
		Message: "command queue is full",
		Context: map[string]any{"size": size},
	}
}

// DispatchFailureError creates an error for a command attempt the dispatcher asked to retry.
func DispatchFailureError(message string, cause error) *Error {
	return &Error{
		Type:    TypeDispatchFailure,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// ReconnectExhaustedError creates the fatal error raised when reconnect attempts run out.
func ReconnectExhaustedError(attempts int) *Error {
	return &Error{
		Type:    TypeReconnectExhausted,
		Message: "gateway reconnect attempts exhausted",
		Context: map[string]any{"attempts": attempts},
	}
}

// ValidationError creates a new validation error (HTTP 400).
func ValidationError(message string) *Error {
	return &Error{
		Type:    TypeValidation,
		Message: message,
		Context: make(map[string]any),
	}
}

// AuthenticationError creates a new authentication error (HTTP 401).
func AuthenticationError(message string) *Error {
	return &Error{
		Type:    TypeAuthentication,
		Message: message,
		Context: make(map[string]any),
	}
}

// NotFoundError creates a new not-found error (HTTP 404).
func NotFoundError(message string) *Error {
	return &Error{
		Type:    TypeNotFound,
		Message: message,
		Context: make(map[string]any),
	}
}

// RateLimitError creates a new rate-limit error (HTTP 429).
func RateLimitError(message string) *Error {
	return &Error{
		Type:    TypeRateLimit,
		Message: message,
		Context: make(map[string]any),
	}
}

// DatabaseError creates a new storage error (HTTP 500).
func DatabaseError(message string, cause error) *Error {
	return &Error{
		Type:    TypeDatabase,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// UnavailableError creates a new dependency-unavailable error (HTTP 503).
func UnavailableError(message string, cause error) *Error {
	return &Error{
		Type:    TypeUnavailable,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// InternalError creates a new internal error (HTTP 500).
func InternalError(message string, cause error) *Error {
	return &Error{
		Type:    TypeInternal,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsType reports whether err is a structured error of the given type.
func IsType(err error, t ErrorType) bool {
	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr.Type == t
	}
	return false
}

// ErrorResponse represents the JSON structure sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error.
// If err is already an *Error, returns it unchanged.
// Otherwise wraps it as an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("internal server error", err)
}

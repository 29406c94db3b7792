// Package errors defines custom error types and error handling utilities
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents an error code
type ErrorCode string

// Predefined error codes
const (
	// General errors
	InternalError ErrorCode = "INTERNAL_ERROR"
	BadRequest    ErrorCode = "BAD_REQUEST"
	Unauthorized  ErrorCode = "UNAUTHORIZED"
	NotFound      ErrorCode = "NOT_FOUND"
	Conflict      ErrorCode = "CONFLICT"

	// Authentication errors
	InvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	TokenExpired       ErrorCode = "TOKEN_EXPIRED"
	TokenInvalid       ErrorCode = "TOKEN_INVALID"

	// Sync errors
	InvalidUpdate  ErrorCode = "INVALID_UPDATE"
	ProtocolError  ErrorCode = "PROTOCOL_ERROR"
	StorageFailure ErrorCode = "STORAGE_FAILURE"
)

// APIError represents a structured API error
type APIError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for the error
func (e *APIError) HTTPStatus() int {
	switch e.Code {
	case BadRequest, InvalidUpdate, ProtocolError:
		return http.StatusBadRequest
	case Unauthorized, InvalidCredentials, TokenExpired, TokenInvalid:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case StorageFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

// NewAPIError creates a new API error
func NewAPIError(code ErrorCode, message string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Predefined error constructors

func NewBadRequestError(message string) *APIError {
	return NewAPIError(BadRequest, message)
}

func NewUnauthorizedError(message string) *APIError {
	return NewAPIError(Unauthorized, message)
}

func NewNotFoundError(message string) *APIError {
	return NewAPIError(NotFound, message)
}

func NewConflictError(message string) *APIError {
	return NewAPIError(Conflict, message)
}

func NewInternalError(message string) *APIError {
	return NewAPIError(InternalError, message)
}

func NewInvalidUpdateError(details string) *APIError {
	e := NewAPIError(InvalidUpdate, "Malformed document update")
	e.Details = details
	return e
}

func NewStorageError(details string) *APIError {
	e := NewAPIError(StorageFailure, "Storage operation failed")
	e.Details = details
	return e
}

func NewInvalidCredentialsError() *APIError {
	return NewAPIError(InvalidCredentials, "Invalid credentials")
}

func NewTokenInvalidError() *APIError {
	return NewAPIError(TokenInvalid, "Invalid token")
}

// IsAPIError checks if an error is an APIError
func IsAPIError(err error) (*APIError, bool) {
	apiErr, ok := err.(*APIError)
	return apiErr, ok
}

// WrapError wraps a standard error as an APIError
func WrapError(err error, code ErrorCode, message string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Details:   err.Error(),
		Timestamp: time.Now(),
	}
}

// FromError converts any error to an APIError, defaulting to an internal error
func FromError(err error) *APIError {
	if apiErr, ok := IsAPIError(err); ok {
		return apiErr
	}
	return WrapError(err, InternalError, "Internal server error")
}

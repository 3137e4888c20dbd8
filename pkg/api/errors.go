package api

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeModelError      ErrorType = "model_error"
	ErrorTypeTooManyRequests ErrorType = "too_many_requests"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeCancelled       ErrorType = "cancelled"
)

// APIError represents a structured API error with type, code, param, and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{Type: ErrorTypeInvalidRequest, Param: param, Message: message}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{Type: ErrorTypeNotFound, Message: message}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{Type: ErrorTypeServerError, Message: message}
}

// NewModelError creates an APIError for model-related errors.
func NewModelError(message string) *APIError {
	return &APIError{Type: ErrorTypeModelError, Message: message}
}

// NewTooManyRequestsError creates an APIError for rate limiting.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{Type: ErrorTypeTooManyRequests, Message: message}
}

// NewUnauthorizedError creates an APIError for rejected credentials.
func NewUnauthorizedError(message string) *APIError {
	return &APIError{Type: ErrorTypeUnauthorized, Message: message}
}

// Kind classifies a pipeline failure.
type Kind string

const (
	KindGenerationFailure   Kind = "generation_failure"
	KindGenerationCancelled Kind = "generation_cancelled"
	KindCompileFailure      Kind = "compile_failure"
	KindNoEntryPoint        Kind = "no_entry_point"
	KindExecutionTimeout    Kind = "execution_timeout"
	KindExecutionFault      Kind = "execution_fault"
	KindExecutionCancelled  Kind = "execution_cancelled"
)

// PipelineError is a classified failure from one pipeline stage.
type PipelineError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// NewGenerationFailure wraps a backend failure.
func NewGenerationFailure(message string, cause error) *PipelineError {
	return &PipelineError{Kind: KindGenerationFailure, Message: message, Cause: cause}
}

// NewGenerationCancelled reports a generation stopped by the caller or by
// the generation timeout.
func NewGenerationCancelled(cause error) *PipelineError {
	return &PipelineError{Kind: KindGenerationCancelled, Message: "Cancelled", Cause: cause}
}

// KindOf returns the Kind of err, or "" when err is not a PipelineError.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsCancelled reports whether err represents a cancellation rather than a
// fault. Plain context errors count as cancellation.
func IsCancelled(err error) bool {
	switch KindOf(err) {
	case KindGenerationCancelled, KindExecutionCancelled:
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ToAPIError converts any pipeline error into an APIError for transport.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case KindGenerationFailure:
			return &APIError{Type: ErrorTypeModelError, Code: string(pe.Kind), Message: pe.Error()}
		case KindGenerationCancelled, KindExecutionCancelled:
			return &APIError{Type: ErrorTypeCancelled, Code: string(pe.Kind), Message: pe.Message}
		default:
			return &APIError{Type: ErrorTypeServerError, Code: string(pe.Kind), Message: pe.Error()}
		}
	}
	return NewServerError(err.Error())
}

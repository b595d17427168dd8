// Package apperr provides the unified application error type for the
// pipeline, with machine-readable codes, HTTP status mapping, and retryable
// detection.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is the unified application error type.
type Error struct {
	// Code is a machine-readable error code.
	Code Code `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if a fresh submission can be retried.
	Retryable bool `json:"retryable"`
	// HTTPStatus is the recommended HTTP status code for this error.
	HTTPStatus int `json:"-"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *Error) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with automatic retryable detection.
func New(code Code, message string, httpStatus int) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Retryable:  IsRetryableCode(code),
	}
}

// From extracts an *Error from err, wrapping unknown errors as Internal.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// --- Pipeline error constructors ---

// InvalidReference creates an error for a reference that matches no known shape.
func InvalidReference(reference string) *Error {
	return &Error{
		Code: CodeInvalidReference, Message: "The reference is not a recognized video URL or video ID.",
		HTTPStatus: http.StatusBadRequest, Retryable: false,
		Details: map[string]any{"reference": reference},
	}
}

// SourceUnavailable creates an error for an upstream source failure.
func SourceUnavailable(detail string, cause error) *Error {
	return &Error{
		Code: CodeSourceUnavailable, Message: fmt.Sprintf("The video source is unavailable: %s", detail),
		HTTPStatus: http.StatusBadGateway, Retryable: true, Cause: cause,
	}
}

// TranscriptionExhausted creates an error carrying the per-backend failure reasons.
func TranscriptionExhausted(reasons []string) *Error {
	return &Error{
		Code: CodeTranscriptionExhausted, Message: "Every transcription backend failed.",
		HTTPStatus: http.StatusBadGateway, Retryable: true,
		Details: map[string]any{"attempts": reasons, "summary": strings.Join(reasons, "; ")},
	}
}

// SummarizationUnavailable creates an error for a summarization backend failure.
func SummarizationUnavailable(detail string, cause error) *Error {
	return &Error{
		Code: CodeSummarizationUnavailable, Message: fmt.Sprintf("Summarization failed: %s", detail),
		HTTPStatus: http.StatusBadGateway, Retryable: true, Cause: cause,
	}
}

// Cancelled creates an error for a job cancelled by request.
func Cancelled() *Error {
	return &Error{
		Code: CodeCancelled, Message: "The job was cancelled.",
		HTTPStatus: http.StatusConflict, Retryable: false,
	}
}

// PersistenceFailure creates an error for a result that could not be recorded.
// The pipeline work itself succeeded; only the durable write failed.
func PersistenceFailure(cause error) *Error {
	return &Error{
		Code: CodePersistenceFailure, Message: "Processing finished but the result could not be saved.",
		HTTPStatus: http.StatusInternalServerError, Retryable: true, Cause: cause,
	}
}

// --- Request/auth error constructors ---

// InvalidInput creates an error for invalid request input.
func InvalidInput(reason string) *Error {
	return &Error{
		Code: CodeInvalidInput, Message: fmt.Sprintf("Invalid input: %s", reason),
		HTTPStatus: http.StatusBadRequest, Retryable: false,
	}
}

// NotFound creates an error for a resource that was not found.
func NotFound(resource, id string) *Error {
	details := map[string]any{"resource": resource}
	if id != "" {
		details["id"] = id
	}
	return &Error{
		Code: CodeNotFound, Message: fmt.Sprintf("The requested %s was not found.", resource),
		HTTPStatus: http.StatusNotFound, Retryable: false, Details: details,
	}
}

// Unauthorized creates an error for a request without usable credentials.
func Unauthorized(reason string) *Error {
	if reason == "" {
		reason = "Authentication required."
	}
	return &Error{
		Code: CodeUnauthorized, Message: reason,
		HTTPStatus: http.StatusUnauthorized, Retryable: false,
	}
}

// InvalidToken creates an error for a bearer token that failed validation.
func InvalidToken() *Error {
	return &Error{
		Code: CodeInvalidToken, Message: "Invalid authentication token.",
		HTTPStatus: http.StatusUnauthorized, Retryable: false,
	}
}

// Internal creates an error for an unexpected internal failure.
func Internal(cause error) *Error {
	return &Error{
		Code: CodeInternal, Message: "An unexpected error occurred.",
		HTTPStatus: http.StatusInternalServerError, Retryable: false, Cause: cause,
	}
}

// Package types holds the domain entities and the error taxonomy shared by
// every subsystem. Errors carry a machine-readable Kind that is mapped to an
// HTTP status exactly once, at the server edge.
package types

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind classifies an error for propagation policy and HTTP mapping.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindAuth              Kind = "auth_error"
	KindAIUnavailable     Kind = "ai_unavailable"
	KindTimeout           Kind = "timeout"
	KindBadMaterial       Kind = "bad_material"
	KindDimensionMismatch Kind = "dimension_mismatch"
	KindPromptTooLarge    Kind = "prompt_too_large"
	KindAttachmentFailed  Kind = "attachment_processing_failed"
	KindPartialCompletion Kind = "partial_completion"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal_error"
)

// Error is the shared error type. Message is safe to show to users; Err (if
// any) is the wrapped cause and stays in logs.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an Error of the given kind.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Internal builds an internal error with a fresh correlation ID so the
// client-visible response can be matched to server logs.
func Internal(message string, err error) *Error {
	return &Error{
		Kind:          KindInternal,
		Message:       message,
		CorrelationID: uuid.NewString(),
		Err:           err,
	}
}

// KindOf extracts the Kind from any error chain. Unclassified errors are
// reported as KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err resolves to the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code used at the API edge.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindAttachmentFailed:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindPromptTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindAIUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindPartialCompletion:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the chat UI should offer a retry affordance.
func Retryable(kind Kind) bool {
	switch kind {
	case KindAIUnavailable, KindTimeout, KindPartialCompletion:
		return true
	default:
		return false
	}
}

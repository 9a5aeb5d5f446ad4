// Package domainerrors defines the coded error type shared by all layers.
//
// Services return these errors so transport can translate them into stable
// HTTP responses without inspecting error strings. Stores return sentinel
// errors (pkg/platform/sentinel) and services wrap them with a code here.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the class of failure. Codes are part of the API contract:
// callers switch on them, so renaming one is a breaking change.
type Code string

const (
	// CodeValidation marks malformed caller input. Never retried.
	CodeValidation Code = "validation_error"
	// CodeNotFound marks a referenced entity that does not exist.
	CodeNotFound Code = "not_found"
	// CodeDuplicate marks an idempotency guard rejection: a non-failed
	// record already anchors the same (documentHash, network) pair.
	CodeDuplicate Code = "duplicate_submission"
	// CodeLedgerUnavailable marks a transient ledger fault. Retried
	// internally; surfaced only after the attempt budget is exhausted.
	CodeLedgerUnavailable Code = "ledger_unavailable"
	// CodeRejected marks a permanent ledger rejection. Never retried.
	CodeRejected Code = "rejected_submission"
	// CodeIntegrityMismatch marks a definitive negative verification
	// outcome: the anchored hash does not match the stored hash.
	CodeIntegrityMismatch Code = "integrity_mismatch"
	// CodeNotYetConfirmed marks a verification attempt against a record
	// that has not reached confirmed status.
	CodeNotYetConfirmed Code = "not_yet_confirmed"
	// CodeInvalidState marks an operation applied to a record in the
	// wrong lifecycle state (e.g. cancelling after dispatch).
	CodeInvalidState Code = "invalid_state"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeInternal     Code = "internal_error"
)

// Error carries a stable code plus a human-readable message. The wrapped
// cause is preserved for logs but never serialized to callers.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether err or anything it wraps carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal so callers
// never leak an uncoded failure.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// MessageOf extracts the caller-safe message from err.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}

// ToHTTPStatus maps a code onto its HTTP status for the transport layer.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicate, CodeInvalidState:
		return http.StatusConflict
	case CodeNotYetConfirmed, CodeRejected, CodeIntegrityMismatch:
		return http.StatusUnprocessableEntity
	case CodeLedgerUnavailable:
		return http.StatusServiceUnavailable
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Package apperr defines the error taxonomy shared by the idempotency
// coordinator, the streaming pipeline and the stores they depend on.
//
// Every error carries a stable Code that is safe to show to clients, an
// HTTP-equivalent Status, and whether the client may retry with the same
// request key. The wrapped cause is kept for logs and never serialized.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes.
const (
	CodeConflict         = "REQUEST_IN_PROGRESS"
	CodeUpstreamModel    = "AI_MODEL_ERROR"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeChannelClosed    = "CHANNEL_CLOSED"
	CodeOverloaded       = "SERVER_BUSY"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error is a classified application error.
type Error struct {
	Code      string
	Message   string
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ErrChannelClosed is returned by the streaming pipeline when the client
// went away before the stream reached a terminal state.
var ErrChannelClosed = &Error{
	Code:    CodeChannelClosed,
	Message: "client channel closed",
	Status:  499,
}

// Conflict reports a duplicate in-flight request or a retry that lost the
// retry lock. The server never retries it internally.
func Conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Message: msg, Status: http.StatusConflict}
}

// UpstreamModel wraps a failure of the model call. Clients may retry with
// the same request key once the record has been marked failed.
func UpstreamModel(err error) *Error {
	return &Error{
		Code:      CodeUpstreamModel,
		Message:   "the model failed to produce a response",
		Status:    http.StatusBadGateway,
		Retryable: true,
		Err:       err,
	}
}

// Overloaded reports that no streaming worker was free to take the request.
func Overloaded(err error) *Error {
	return &Error{
		Code:      CodeOverloaded,
		Message:   "server is at streaming capacity",
		Status:    http.StatusServiceUnavailable,
		Retryable: true,
		Err:       err,
	}
}

// StoreUnavailable wraps a backing store failure for operation op.
func StoreUnavailable(op string, err error) *Error {
	return &Error{
		Code:    CodeStoreUnavailable,
		Message: op + " failed",
		Status:  http.StatusServiceUnavailable,
		Err:     err,
	}
}

// From classifies err, falling back to an internal error for anything that
// is not already an *Error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{
		Code:    CodeInternal,
		Message: "internal error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// HasCode reports whether err classifies as code.
func HasCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool { return HasCode(err, CodeConflict) }

// IsStoreUnavailable reports whether err is a StoreUnavailableError.
func IsStoreUnavailable(err error) bool { return HasCode(err, CodeStoreUnavailable) }

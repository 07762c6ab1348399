// Package services defines the business logic for conversations and their
// streamed replies. This file centralizes service-level error values so
// that handlers can map them to HTTP results consistently.
package services

import (
	"errors"
	"net/http"

	"github.com/tbourn/go-chat-stream/internal/apperr"
)

var (
	// ErrNotFound indicates that the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrForbidden is returned when the conversation belongs to another user.
	ErrForbidden = errors.New("conversation belongs to another user")

	// ErrEmptyPrompt is returned when the question is blank.
	ErrEmptyPrompt = errors.New("question is empty")

	// ErrTooLong is returned when the question exceeds the configured limit.
	ErrTooLong = errors.New("question too long")
)

// Codes for service errors surfaced on the event stream.
const (
	CodeNotFound       = "CONVERSATION_NOT_FOUND"
	CodeForbidden      = "FORBIDDEN"
	CodeInvalidRequest = "INVALID_REQUEST"
)

// classify gives service sentinels a stable client code so they can be
// sent as stream error events. Other errors pass through.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return &apperr.Error{Code: CodeNotFound, Message: err.Error(), Status: http.StatusNotFound, Err: err}
	case errors.Is(err, ErrForbidden):
		return &apperr.Error{Code: CodeForbidden, Message: err.Error(), Status: http.StatusForbidden, Err: err}
	case errors.Is(err, ErrEmptyPrompt), errors.Is(err, ErrTooLong):
		return &apperr.Error{Code: CodeInvalidRequest, Message: err.Error(), Status: http.StatusBadRequest, Err: err}
	}
	return err
}

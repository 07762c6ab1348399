// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the JSON response helpers shared by the conversation
// endpoints. Every JSON error is an ErrorResponse with a stable code;
// fail() logs 5xx responses with the request-scoped logger.
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "conversation not found"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-stream/internal/apperr"
	"github.com/tbourn/go-chat-stream/internal/http/middleware"
	"github.com/tbourn/go-chat-stream/internal/services"
)

// ErrorResponse is the error envelope of every JSON endpoint. RequestID
// echoes X-Request-ID so clients can quote it when reporting a failure.
type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	Code      string `json:"code" example:"not_found"`
	Message   string `json:"message" example:"resource not found"`
}

// fail aborts with an ErrorResponse. 5xx responses are logged with the
// request-scoped logger; cause, when set, is logged but never sent.
func fail(c *gin.Context, status int, code, msg string, cause ...error) {
	if status >= http.StatusInternalServerError {
		ev := middleware.LoggerFrom(c).Error().Int("status", status).Str("code", code)
		if len(cause) > 0 && cause[0] != nil {
			ev = ev.Err(cause[0])
		}
		ev.Msg(msg)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is fail for the router's fallback routes.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// failErr maps service and store errors onto the JSON envelope. Unclassified
// errors become a 500 with fallbackCode and a generic message.
func failErr(c *gin.Context, err error, fallbackCode string) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "conversation belongs to another user")
	case apperr.IsStoreUnavailable(err):
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "storage temporarily unavailable", err)
	default:
		fail(c, http.StatusInternalServerError, fallbackCode, "internal server error", err)
	}
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

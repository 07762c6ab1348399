// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides correlation IDs, structured access logging, panic
// recovery, and the request-scoped logger:
//
//   - RequestID() reuses X-Request-ID or generates a UUID, and echoes it.
//   - Logger() attaches a request-scoped zerolog.Logger under the "logger"
//     context key and writes one access line per request. Event streams log
//     their lifetime instead of a latency.
//   - Recovery() turns panics into a JSON 500 unless the response (for
//     example an event stream) has already started.
//   - LoggerFrom() returns the request-scoped logger, or the global one.
//
// Recommended order: RequestID, Logger (or RedactingLogger), Recovery.
package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDKey is the Gin context key under which the request ID is stored.
	requestIDKey = "requestID"
	// requestIDHeader is the HTTP header used to propagate the correlation ID.
	requestIDHeader = "X-Request-ID"
	// loggerKey is the Gin context key of the request-scoped logger.
	loggerKey = "logger"
	// maxQueryLogLength caps the number of bytes of the raw query string logged.
	maxQueryLogLength = 2048
)

// RequestID attaches (or propagates) a correlation identifier per request.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// requestID prefers the id echoed on the response, then the context, then
// the inbound header.
func requestID(c *gin.Context) string {
	if rid := c.Writer.Header().Get(requestIDHeader); rid != "" {
		return rid
	}
	if v, ok := c.Get(requestIDKey); ok {
		if s := asString(v); s != "" {
			return s
		}
	}
	return c.GetHeader(requestIDHeader)
}

// routePath is the matched route, or the raw path when nothing matched.
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// scopedLogger builds the request-scoped logger and stores it on c. query is
// logged as given so callers can scrub it first.
func scopedLogger(c *gin.Context, query string) zerolog.Logger {
	ctx := log.With().
		Str("request_id", requestID(c)).
		Str("user_id", userIDFromCtx(c)).
		Str("method", c.Request.Method).
		Str("path", routePath(c))
	if key := requestKey(c); key != "" {
		ctx = ctx.Str("request_key", truncate(key, 64))
	}
	if query != "" {
		ctx = ctx.Str("query", truncate(query, maxQueryLogLength))
	}
	l := ctx.Logger()
	c.Set(loggerKey, &l)
	return l
}

// isEventStream reports whether the response is a server-sent event stream.
func isEventStream(c *gin.Context) bool {
	return strings.HasPrefix(c.Writer.Header().Get("Content-Type"), "text/event-stream")
}

// accessEvent picks the access-log level from the outcome: error for 5xx or
// collected gin errors, warn for 4xx, info otherwise.
func accessEvent(l *zerolog.Logger, c *gin.Context) *zerolog.Event {
	status := c.Writer.Status()
	switch {
	case len(c.Errors) > 0:
		return l.Error().Str("errors", c.Errors.String())
	case status >= http.StatusInternalServerError:
		return l.Error()
	case status >= http.StatusBadRequest:
		return l.Warn()
	default:
		return l.Info()
	}
}

// Logger writes a structured access log for each request.
//
// Place this after RequestID() so logs include the correlation ID.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		l := scopedLogger(c, c.Request.URL.RawQuery)

		c.Next()

		ev := accessEvent(&l, c).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Int64("bytes_in", c.Request.ContentLength). // -1 if unknown
			Int("status", c.Writer.Status()).
			Int("bytes_out", c.Writer.Size())
		if isEventStream(c) {
			ev.Dur("stream_lifetime", time.Since(start)).Msg("stream")
			return
		}
		ev.Dur("latency", time.Since(start)).Msg("request")
	}
}

// Recovery intercepts panics, logs a stack trace, and returns a JSON 500
// when nothing has been written yet:
//
//	{"request_id": "...", "code": "internal_error", "message": "internal server error"}
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := requestID(c)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Bool("stream", isEventStream(c)).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped zerolog.Logger, or a copy of the
// global logger when none is attached.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at max bytes plus an ellipsis; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

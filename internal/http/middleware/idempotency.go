// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file validates the client-supplied request key used for idempotent
// streaming. The key is read from Idempotency-Key (or the X-Idempotency-Key
// alias), validated, and stashed for handlers. When a lookup is supplied and
// reports that the key already completed, the request is flagged as a
// replay so the rate limiter lets it through: replays cost nothing
// upstream.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// Request key headers. The first present one wins.
const (
	HeaderIdempotencyKey    = "Idempotency-Key"
	HeaderIdempotencyKeyAlt = "X-Idempotency-Key"
)

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: key already completed
	ctxKeyRateBypass = "rate.bypass" // bool: skip rate limiting
)

// GetIdempotencyKey returns the validated request key stashed by
// IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the request key already completed.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures key validation.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. Defaults to ^[A-Za-z0-9._~\-:]+$
	Pattern *regexp.Regexp
}

// IdempotencyLookup reports whether (userID, key) already completed. Errors
// never block the request; the handler resolves the key authoritatively.
type IdempotencyLookup func(ctx context.Context, userID, key string) (completed bool, err error)

// requestKey returns the first non-empty request key header.
func requestKey(c *gin.Context) string {
	if k := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)); k != "" {
		return k
	}
	return strings.TrimSpace(c.GetHeader(HeaderIdempotencyKeyAlt))
}

// IdempotencyValidator validates and stashes the request key.
//
// Behavior:
//   - No key: no-op.
//   - Invalid key: 400 with code bad_idempotency_key.
//   - Lookup reports completed: replay and rate-bypass flags are set.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := requestKey(c)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil {
			completed, err := lookup(c.Request.Context(), userIDFromCtx(c), key)
			if err != nil {
				LoggerFrom(c).Warn().Err(err).Msg("idempotency lookup failed")
			}
			if completed {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}
		c.Next()
	}
}

// userIDFromCtx extracts the user identifier set by upstream middleware,
// then the X-User-ID header, then a development "demo-user" fallback.
func userIDFromCtx(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

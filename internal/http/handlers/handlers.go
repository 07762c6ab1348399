// Package handlers exposes the conversation API over HTTP:
//   - POST   /conversations/stream         (streamed answer, server-sent events)
//   - GET    /conversations                (list, ETag support)
//   - GET    /conversations/{id}/messages  (keyset paging, ETag support)
//   - DELETE /conversations/{id}
//
// Handlers are transport-thin: they validate input, call the conversation
// service, and translate results into HTTP responses.
package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-stream/internal/domain"
	"github.com/tbourn/go-chat-stream/internal/memory"
	"github.com/tbourn/go-chat-stream/internal/services"
	"github.com/tbourn/go-chat-stream/internal/streaming"
)

// ConversationService is the application contract consumed by the handlers.
// Implementations must be safe for concurrent use and honor ctx.
type ConversationService interface {
	ValidateQuestion(question string) error
	Stream(ctx context.Context, req services.StreamRequest, sink streaming.Channel) error

	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	ConversationsETag(ctx context.Context, userID string) (string, error)
	Messages(ctx context.Context, userID, conversationID string, before *time.Time, limit int) ([]memory.CachedMessage, error)
	MessagesETag(ctx context.Context, userID, conversationID string) (string, error)
	Delete(ctx context.Context, userID, conversationID string) error
}

// Handlers groups the conversation endpoints.
type Handlers struct {
	svc ConversationService

	sseTimeout   time.Duration
	defaultLimit int
	maxLimit     int
}

// Option configures Handlers.
type Option func(*Handlers)

// WithSSETimeout bounds the lifetime of one event stream. Zero disables it.
func WithSSETimeout(d time.Duration) Option {
	return func(h *Handlers) { h.sseTimeout = d }
}

// WithPageLimits sets the default and maximum message page sizes.
func WithPageLimits(def, max int) Option {
	return func(h *Handlers) {
		if def > 0 {
			h.defaultLimit = def
		}
		if max > 0 {
			h.maxLimit = max
		}
	}
}

// New constructs Handlers bound to svc.
func New(svc ConversationService, opts ...Option) *Handlers {
	h := &Handlers{
		svc:          svc,
		sseTimeout:   5 * time.Minute,
		defaultLimit: 20,
		maxLimit:     100,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

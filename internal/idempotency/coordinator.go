// Package idempotency turns a client-supplied request key into a durable
// state machine that guards at-most-once execution of a streaming request.
//
// A record lives under IDEMPOTENCY:{userId}:{key} and moves only
//
//	(none) -> IN_PROGRESS -> COMPLETED | FAILED
//	FAILED -> IN_PROGRESS (retry, under IDEMPOTENCY:retry_lock:{userId}:{key})
//
// Every transition is a single conditional store operation. Requests
// without a key bypass the coordinator entirely.
package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-stream/internal/apperr"
	"github.com/tbourn/go-chat-stream/internal/domain"
	"github.com/tbourn/go-chat-stream/internal/kv"
	"github.com/tbourn/go-chat-stream/internal/observability"
)

// Default retention settings.
const (
	DefaultTTL     = 24 * time.Hour
	DefaultLockTTL = 5 * time.Minute
)

// Coordinator resolves, claims and seals keyed requests.
type Coordinator struct {
	records    *records
	handlers   []stateHandler
	newID      func() string
	newAttempt func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTTL sets the record retention.
func WithTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.records.ttl = d
		}
	}
}

// WithLockTTL sets how long a retry lock survives a crashed retry.
func WithLockTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.records.lockTTL = d
		}
	}
}

// WithIDGenerator overrides conversation id generation for fresh requests.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithClock overrides the timestamp source written into records.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.records.now = now
		}
	}
}

// NewCoordinator builds a Coordinator over store.
func NewCoordinator(store kv.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		records: &records{
			store:   store,
			ttl:     DefaultTTL,
			lockTTL: DefaultLockTTL,
			now:     func() time.Time { return time.Now().UTC() },
		},
		newID:      uuid.NewString,
		newAttempt: uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	// First match wins; order only matters if predicates ever overlap.
	c.handlers = []stateHandler{
		noStateHandler{},
		inProgressHandler{},
		completedHandler{},
		failedHandler{records: c.records},
	}
	return c
}

func enabled(requestKey string) bool { return strings.TrimSpace(requestKey) != "" }

// Resolve decides how a request may proceed. Without a request key the
// result is always fresh: the hinted conversation, or a new one.
func (c *Coordinator) Resolve(ctx context.Context, userID, requestKey, conversationHint string) (Resolution, error) {
	q := request{userID: userID, requestKey: requestKey, conversationID: strings.TrimSpace(conversationHint)}
	if q.conversationID == "" {
		q.conversationID = c.newID()
	}
	if !enabled(requestKey) {
		return q.fresh(), nil
	}
	q.attempt = c.newAttempt()

	ctx, span := otel.Tracer("idempotency/Coordinator").Start(ctx, "Resolve",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	rec, _, err := c.records.load(ctx, userID, requestKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load")
		return Resolution{}, err
	}
	h, err := c.selectHandler(rec)
	if err != nil {
		return Resolution{}, err
	}
	res, err := h.Handle(ctx, q, rec)
	outcome := resolutionOutcome(res, err)
	observability.IdempotencyResolutions.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("idempotency.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		return Resolution{}, err
	}
	return res, nil
}

func (c *Coordinator) selectHandler(rec *domain.IdempotencyRecord) (stateHandler, error) {
	for _, h := range c.handlers {
		if h.CanHandle(rec) {
			return h, nil
		}
	}
	return nil, fmt.Errorf("idempotency: no handler for status %q", rec.Status)
}

func resolutionOutcome(res Resolution, err error) string {
	switch {
	case apperr.IsConflict(err):
		return "conflict"
	case err != nil:
		return "error"
	case res.AlreadyCompleted:
		return "completed"
	case res.SkipSaveInitialTurn:
		return "retry"
	}
	return "fresh"
}

// Claim commits a fresh request once its user turn is durably stored; the
// record is owned by attempt, taken from the Resolution. It returns false
// when a concurrent request claimed the key first; the caller must treat
// that as a conflict. Without a key Claim is a no-op.
func (c *Coordinator) Claim(ctx context.Context, userID, requestKey, attempt, conversationID, userMessageID string) (bool, error) {
	if !enabled(requestKey) {
		return true, nil
	}
	ctx, span := otel.Tracer("idempotency/Coordinator").Start(ctx, "Claim",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	ok, err := c.records.insert(ctx, userID, requestKey, attempt, conversationID, userMessageID)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("idempotency.claimed", ok))
	return ok, nil
}

// MarkCompleted seals an in-progress record owned by attempt. Calling it
// again, on a missing or failed record, or with a stale attempt changes
// nothing.
func (c *Coordinator) MarkCompleted(ctx context.Context, userID, requestKey, attempt string) error {
	return c.seal(ctx, userID, requestKey, attempt, domain.StatusCompleted)
}

// MarkFailed moves an in-progress record owned by attempt to FAILED so the
// client can retry with the same key. COMPLETED records are never demoted,
// and a retry admitted in the meantime is left alone.
func (c *Coordinator) MarkFailed(ctx context.Context, userID, requestKey, attempt string) error {
	return c.seal(ctx, userID, requestKey, attempt, domain.StatusFailed)
}

// seal releases the retry lock before the transition, and only for the
// owner: once the record leaves IN_PROGRESS a new retry may take the lock,
// and that lock must survive this call.
func (c *Coordinator) seal(ctx context.Context, userID, requestKey, attempt string, to domain.IdempotencyStatus) error {
	if !enabled(requestKey) {
		return nil
	}
	cur, _, err := c.records.load(ctx, userID, requestKey)
	if err != nil {
		return err
	}
	if cur == nil || cur.Status != domain.StatusInProgress || cur.Attempt != attempt {
		return nil
	}
	c.records.releaseLock(ctx, userID, requestKey)

	_, moved, err := c.records.transition(ctx, userID, requestKey, domain.StatusInProgress, to, attempt)
	if err != nil {
		return err
	}
	if moved {
		log.Debug().Str("user_id", userID).Str("request_key", requestKey).
			Str("status", string(to)).Msg("idempotency transition")
	}
	return nil
}

// FailureHook returns a callback that marks the attempt FAILED. It is meant
// to be attached to the fragment stream, which invokes it on upstream
// errors. ctx should outlive the client connection.
func (c *Coordinator) FailureHook(ctx context.Context, userID, requestKey, attempt string) func(error) {
	return func(cause error) {
		if err := c.MarkFailed(ctx, userID, requestKey, attempt); err != nil {
			log.Error().Err(err).AnErr("cause", cause).Str("user_id", userID).
				Str("request_key", requestKey).Msg("idempotency: mark failed")
		}
	}
}

// Lookup returns the stored record, or nil when none exists.
func (c *Coordinator) Lookup(ctx context.Context, userID, requestKey string) (*domain.IdempotencyRecord, error) {
	if !enabled(requestKey) {
		return nil, nil
	}
	rec, _, err := c.records.load(ctx, userID, requestKey)
	return rec, err
}

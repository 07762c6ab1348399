package idempotency

import (
	"context"

	"github.com/tbourn/go-chat-stream/internal/apperr"
	"github.com/tbourn/go-chat-stream/internal/domain"
)

// Resolution tells the caller how to proceed with a keyed request.
type Resolution struct {
	ConversationID string
	// SkipSaveInitialTurn is set on retries: the user turn was persisted by
	// the first attempt and must not be written again.
	SkipSaveInitialTurn bool
	// ClaimedMessageID is the persisted user turn when SkipSaveInitialTurn
	// is set.
	ClaimedMessageID string
	// AlreadyCompleted means the caller must signal completion and stop.
	AlreadyCompleted bool
	// Attempt identifies this execution. It must be passed to Claim and to
	// the seal calls; a seal carrying any other attempt changes nothing.
	Attempt string
}

type request struct {
	userID         string
	requestKey     string
	conversationID string // hint, or a fresh id when the hint is blank
	attempt        string
}

func (q request) fresh() Resolution {
	return Resolution{ConversationID: q.conversationID, Attempt: q.attempt}
}

// stateHandler routes a request for exactly the records it accepts. A nil
// record means no prior state exists.
type stateHandler interface {
	CanHandle(rec *domain.IdempotencyRecord) bool
	Handle(ctx context.Context, q request, rec *domain.IdempotencyRecord) (Resolution, error)
}

type noStateHandler struct{}

func (noStateHandler) CanHandle(rec *domain.IdempotencyRecord) bool { return rec == nil }

func (noStateHandler) Handle(_ context.Context, q request, _ *domain.IdempotencyRecord) (Resolution, error) {
	return q.fresh(), nil
}

type inProgressHandler struct{}

func (inProgressHandler) CanHandle(rec *domain.IdempotencyRecord) bool {
	return rec != nil && rec.Status == domain.StatusInProgress
}

func (inProgressHandler) Handle(context.Context, request, *domain.IdempotencyRecord) (Resolution, error) {
	return Resolution{}, apperr.Conflict("a request with this key is already in progress")
}

type completedHandler struct{}

func (completedHandler) CanHandle(rec *domain.IdempotencyRecord) bool {
	return rec != nil && rec.Status == domain.StatusCompleted
}

func (completedHandler) Handle(_ context.Context, _ request, rec *domain.IdempotencyRecord) (Resolution, error) {
	return Resolution{ConversationID: rec.ConversationID, AlreadyCompleted: true}, nil
}

// failedHandler takes the retry lock and flips FAILED back to IN_PROGRESS.
// Losing either step is a conflict; the lock is dropped again if the flip
// loses. A won flip hands the record to the new attempt.
type failedHandler struct {
	records *records
}

func (failedHandler) CanHandle(rec *domain.IdempotencyRecord) bool {
	return rec != nil && rec.Status == domain.StatusFailed
}

func (h failedHandler) Handle(ctx context.Context, q request, _ *domain.IdempotencyRecord) (Resolution, error) {
	locked, err := h.records.acquireLock(ctx, q.userID, q.requestKey)
	if err != nil {
		return Resolution{}, err
	}
	if !locked {
		return Resolution{}, apperr.Conflict("a retry for this key is already in progress")
	}

	rec, moved, err := h.records.transition(ctx, q.userID, q.requestKey, domain.StatusFailed, domain.StatusInProgress, q.attempt)
	if err != nil {
		h.records.releaseLock(ctx, q.userID, q.requestKey)
		return Resolution{}, err
	}
	if !moved {
		h.records.releaseLock(ctx, q.userID, q.requestKey)
		if rec == nil {
			// Expired between the read and the flip.
			return q.fresh(), nil
		}
		return Resolution{}, apperr.Conflict("a retry for this key is already in progress")
	}
	return Resolution{
		ConversationID:      rec.ConversationID,
		SkipSaveInitialTurn: true,
		ClaimedMessageID:    rec.ClaimedMessageID,
		Attempt:             rec.Attempt,
	}, nil
}

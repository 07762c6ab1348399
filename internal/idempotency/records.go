package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-stream/internal/apperr"
	"github.com/tbourn/go-chat-stream/internal/domain"
	"github.com/tbourn/go-chat-stream/internal/kv"
)

const (
	keyPrefix     = "IDEMPOTENCY:"
	lockKeyPrefix = "IDEMPOTENCY:retry_lock:"
	lockValue     = "1"

	// casAttempts bounds optimistic retries when a transition races
	// another writer of the same record.
	casAttempts = 3
)

func recordKey(userID, requestKey string) string {
	return keyPrefix + userID + ":" + requestKey
}

func lockKey(userID, requestKey string) string {
	return lockKeyPrefix + userID + ":" + requestKey
}

// records holds the raw store operations over idempotency records and retry
// locks. It knows key layout, encoding and TTLs, but no routing policy.
type records struct {
	store   kv.Store
	ttl     time.Duration
	lockTTL time.Duration
	now     func() time.Time
}

// load returns the stored record with its raw bytes, or nil when absent.
// An undecodable payload is reported as absent so the request starts fresh.
func (r *records) load(ctx context.Context, userID, requestKey string) (*domain.IdempotencyRecord, []byte, error) {
	raw, ok, err := r.store.Get(ctx, recordKey(userID, requestKey))
	if err != nil || !ok {
		return nil, nil, err
	}
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil || !rec.Status.Valid() {
		log.Warn().Str("user_id", userID).Str("request_key", requestKey).
			Msg("idempotency: ignoring undecodable record")
		return nil, nil, nil
	}
	return &rec, raw, nil
}

func (r *records) encode(rec domain.IdempotencyRecord) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("idempotency: encode record: %w", err)
	}
	return b, nil
}

// insert creates an IN_PROGRESS record owned by attempt unless one already
// exists.
func (r *records) insert(ctx context.Context, userID, requestKey, attempt, conversationID, messageID string) (bool, error) {
	b, err := r.encode(domain.IdempotencyRecord{
		Status:           domain.StatusInProgress,
		ConversationID:   conversationID,
		ClaimedMessageID: messageID,
		Attempt:          attempt,
		UpdatedAt:        r.now(),
	})
	if err != nil {
		return false, err
	}
	return r.store.SetIfAbsent(ctx, recordKey(userID, requestKey), b, r.ttl)
}

// transition moves the record from one status to another with
// compare-and-swap. It returns the record as stored after the call, or nil
// when no record exists. A record not in from is returned unchanged with
// moved=false.
//
// Leaving IN_PROGRESS requires the stored attempt to equal attempt; entering
// IN_PROGRESS stamps attempt into the record.
func (r *records) transition(ctx context.Context, userID, requestKey string, from, to domain.IdempotencyStatus, attempt string) (rec *domain.IdempotencyRecord, moved bool, err error) {
	key := recordKey(userID, requestKey)
	for try := 0; try < casAttempts; try++ {
		cur, raw, err := r.load(ctx, userID, requestKey)
		if err != nil || cur == nil {
			return nil, false, err
		}
		if cur.Status != from || !cur.CanTransition(to) {
			return cur, false, nil
		}
		if from == domain.StatusInProgress && cur.Attempt != attempt {
			return cur, false, nil
		}
		next := *cur
		next.Status = to
		if to == domain.StatusInProgress {
			next.Attempt = attempt
		}
		next.UpdatedAt = r.now()
		b, err := r.encode(next)
		if err != nil {
			return nil, false, err
		}
		ok, err := r.store.CompareAndSwap(ctx, key, raw, b, r.ttl)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return &next, true, nil
		}
	}
	return nil, false, apperr.Conflict("idempotency record is changing concurrently")
}

func (r *records) acquireLock(ctx context.Context, userID, requestKey string) (bool, error) {
	return r.store.SetIfAbsent(ctx, lockKey(userID, requestKey), []byte(lockValue), r.lockTTL)
}

// releaseLock is best effort; failures are logged and swallowed, the TTL
// bounds how long a leaked lock can block retries. Only the attempt that
// took the lock releases it.
func (r *records) releaseLock(ctx context.Context, userID, requestKey string) {
	if err := r.store.Delete(ctx, lockKey(userID, requestKey)); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("request_key", requestKey).
			Msg("idempotency: release retry lock")
	}
}

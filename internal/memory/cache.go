// Package memory implements the conversation context cache: a cache-aside
// layer over the durable message log.
//
// Each conversation is one JSON blob under CONTEXT:{conversationId} holding
// at most a configured number of turns, newest first. Writers read, merge
// and overwrite the whole blob; concurrent writers may race and the last
// write wins. The log stays authoritative: a lost cache entry is rebuilt on
// the next miss.
package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-stream/internal/domain"
	"github.com/tbourn/go-chat-stream/internal/kv"
)

// Defaults for cache sizing.
const (
	DefaultTTL         = time.Hour
	DefaultMaxMessages = 20

	keyPrefix = "CONTEXT:"
)

// Log is the durable message log the cache sits over. Reads return rows
// newest first.
type Log interface {
	ReadRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	ReadBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]domain.Message, error)
	DeleteAll(ctx context.Context, conversationID string) error
}

// Cache serves recent conversation context.
type Cache struct {
	store kv.Store
	log   Log
	ttl   time.Duration
	max   int
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long a conversation blob lives after its last write.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithMaxMessages caps the number of turns kept per conversation.
func WithMaxMessages(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.max = n
		}
	}
}

// WithClock overrides the time source used for synthetic timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a Cache over store and log.
func New(store kv.Store, msgLog Log, opts ...Option) *Cache {
	c := &Cache{
		store: store,
		log:   msgLog,
		ttl:   DefaultTTL,
		max:   DefaultMaxMessages,
		now:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MaxMessages returns the per-conversation cap.
func (c *Cache) MaxMessages() int { return c.max }

func cacheKey(conversationID string) string { return keyPrefix + conversationID }

func tracer() trace.Tracer { return otel.Tracer("memory/Cache") }

// read returns the cached blob and whether it was present. Undecodable
// blobs count as a miss.
func (c *Cache) read(ctx context.Context, conversationID string) ([]CachedMessage, bool, error) {
	raw, ok, err := c.store.Get(ctx, cacheKey(conversationID))
	if err != nil || !ok {
		return nil, false, err
	}
	var msgs []CachedMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("memory: dropping undecodable cache entry")
		return nil, false, nil
	}
	return msgs, true, nil
}

func (c *Cache) write(ctx context.Context, conversationID string, msgs []CachedMessage) error {
	b, err := json.Marshal(capped(msgs, c.max))
	if err != nil {
		return err
	}
	return c.store.Set(ctx, cacheKey(conversationID), b, c.ttl)
}

// Get returns recent turns newest first. On a miss the most recent turns
// are read from the log and the cache is populated. A cache store failure
// degrades to reading the log.
func (c *Cache) Get(ctx context.Context, conversationID string) ([]CachedMessage, error) {
	ctx, span := tracer().Start(ctx, "Get", trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	cached, hit, err := c.read(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("memory: cache read failed, using log")
	}
	span.SetAttributes(attribute.Bool("cache.hit", hit))
	if hit {
		return cached, nil
	}

	rows, err := c.log.ReadRecent(ctx, conversationID, c.max)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	msgs := FromMessages(rows)
	if len(msgs) > 0 {
		if err := c.write(ctx, conversationID, msgs); err != nil {
			log.Warn().Err(err).Str("conversation_id", conversationID).Msg("memory: cache populate failed")
		}
	}
	return msgs, nil
}

// Add merges newly produced turns into the cache. Turns without a
// timestamp are stamped in the order given. Add never writes the log.
func (c *Cache) Add(ctx context.Context, conversationID string, msgs []CachedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	_, err := c.mergeAndWrite(ctx, conversationID, msgs)
	return err
}

// WarmCache merges rows just read from the log, with their real
// timestamps.
func (c *Cache) WarmCache(ctx context.Context, conversationID string, rows []domain.Message) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := c.mergeAndWrite(ctx, conversationID, FromMessages(rows))
	return err
}

// GetWithPaging reads up to limit turns older than before from the log,
// merges them into the cache and returns the merged view newest first.
// The stored blob is capped; the returned view is not, so the requested
// page is never cut off by the cap. With no older turns it behaves like
// Get.
func (c *Cache) GetWithPaging(ctx context.Context, conversationID string, before time.Time, limit int) ([]CachedMessage, error) {
	ctx, span := tracer().Start(ctx, "GetWithPaging", trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.Int("page.limit", limit),
	))
	defer span.End()

	rows, err := c.log.ReadBefore(ctx, conversationID, before, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(rows) == 0 {
		return c.Get(ctx, conversationID)
	}
	merged, err := c.mergeAndWrite(ctx, conversationID, FromMessages(rows))
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("memory: paging merge not cached")
	}
	return merged, nil
}

// mergeAndWrite runs the read-merge-write cycle. If the cache cannot be
// read the merge proceeds from an empty set. The uncapped merge is
// returned even when the write fails.
func (c *Cache) mergeAndWrite(ctx context.Context, conversationID string, incoming []CachedMessage) ([]CachedMessage, error) {
	existing, _, err := c.read(ctx, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("memory: cache read failed, merging from empty")
	}
	merged := merge(existing, incoming, c.now())
	return merged, c.write(ctx, conversationID, merged)
}

// Clear deletes the conversation's log entries and its cache entry. Both
// deletions are attempted; the first error is returned.
func (c *Cache) Clear(ctx context.Context, conversationID string) error {
	ctx, span := tracer().Start(ctx, "Clear", trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	logErr := c.log.DeleteAll(ctx, conversationID)
	cacheErr := c.store.Delete(ctx, cacheKey(conversationID))
	if logErr != nil {
		span.RecordError(logErr)
		return logErr
	}
	return cacheErr
}

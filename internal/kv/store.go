// Package kv provides the key-value stores backing the idempotency
// coordinator and the conversation memory cache.
//
// Two backends exist: Redis, for multi-instance deployments, and SQL over the
// application's GORM handle, for single-node installs and tests. Both honor
// per-key TTLs and expose conditional writes as single atomic operations.
package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Store is a TTL-aware key-value store. A ttl <= 0 means no expiry.
//
// Implementations return *apperr.Error with code STORE_UNAVAILABLE when the
// backend cannot be reached.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes value unconditionally.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent writes value only when key is absent and reports whether
	// the write happened.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value of key with next only when the
	// current value equals old, and reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Backend names accepted by Open.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Open builds the Store selected by backend. For redis, redisURL is parsed
// with redis.ParseURL and the connection is verified with PING. For sqlite,
// db must already be migrated (see repo.AutoMigrate).
//
// The returned close function releases backend resources; it is never nil.
func Open(ctx context.Context, backend, redisURL string, db *gorm.DB) (Store, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendRedis:
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("kv: parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("kv: ping redis: %w", err)
		}
		return NewRedis(client), client.Close, nil
	case BackendSQLite:
		if db == nil {
			return nil, nil, fmt.Errorf("kv: sqlite backend requires a database handle")
		}
		return NewSQL(db), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("kv: unknown backend %q", backend)
	}
}

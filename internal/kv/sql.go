package kv

import (
	"bytes"
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-chat-stream/internal/apperr"
	"github.com/tbourn/go-chat-stream/internal/domain"
	"github.com/tbourn/go-chat-stream/internal/repo"
)

// SQL implements Store on the kv_entries table. Expired rows are invisible
// to reads and are replaced lazily by writes.
type SQL struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQL returns a Store over db. The kv_entries table must exist.
func NewSQL(db *gorm.DB) *SQL {
	return &SQL{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQL) live(ctx context.Context, now time.Time) *gorm.DB {
	return s.db.WithContext(ctx).Model(&domain.KVEntry{}).
		Where("expires_at IS NULL OR expires_at > ?", now)
}

func (s *SQL) expiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var e domain.KVEntry
	err := s.live(ctx, s.now()).Where("key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.StoreUnavailable("kv get", err)
	}
	return e.Value, true, nil
}

func (s *SQL) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	e := domain.KVEntry{Key: key, Value: value, ExpiresAt: s.expiry(now, ttl), UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return apperr.StoreUnavailable("kv set", err)
	}
	return nil
}

// SetIfAbsent clears an expired row for key, then relies on the primary key
// to let exactly one concurrent insert win.
func (s *SQL) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.now()
	if err := s.db.WithContext(ctx).
		Where("key = ? AND expires_at IS NOT NULL AND expires_at <= ?", key, now).
		Delete(&domain.KVEntry{}).Error; err != nil {
		return false, apperr.StoreUnavailable("kv setnx", err)
	}
	e := domain.KVEntry{Key: key, Value: value, ExpiresAt: s.expiry(now, ttl), UpdatedAt: now}
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		if repo.IsUniqueViolation(err) {
			return false, nil
		}
		return false, apperr.StoreUnavailable("kv setnx", err)
	}
	return true, nil
}

// CompareAndSwap issues a single conditional UPDATE. Byte equality is
// checked in SQL so a concurrent writer changes RowsAffected, not the
// outcome of a separate read.
func (s *SQL) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	if bytes.Equal(old, next) {
		_, ok, err := s.Get(ctx, key)
		return ok, err
	}
	now := s.now()
	res := s.live(ctx, now).
		Where("key = ? AND value = ?", key, old).
		Updates(map[string]any{
			"value":      next,
			"expires_at": s.expiry(now, ttl),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, apperr.StoreUnavailable("kv cas", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&domain.KVEntry{}).Error; err != nil {
		return apperr.StoreUnavailable("kv delete", err)
	}
	return nil
}

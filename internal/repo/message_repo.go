// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the durable message log.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-stream/internal/domain"
)

// AppendMessage inserts a message row and returns its id. A zero at
// defaults to now.
func AppendMessage(ctx context.Context, db *gorm.DB, conversationID, role, content string, at time.Time) (string, error) {
	if at.IsZero() {
		at = time.Now()
	}
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      at.UTC(),
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return "", err
	}
	return m.ID, nil
}

// RecentMessages returns up to limit messages, newest first.
func RecentMessages(ctx context.Context, db *gorm.DB, conversationID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// MessagesBefore returns up to limit messages created strictly before
// before, newest first.
func MessagesBefore(ctx context.Context, db *gorm.DB, conversationID string, before time.Time, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("conversation_id = ? AND created_at < ?", conversationID, before.UTC()).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// DeleteMessages removes every message of a conversation.
func DeleteMessages(ctx context.Context, db *gorm.DB, conversationID string) error {
	return db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&domain.Message{}).Error
}

// MessageLog adapts the free functions to the durable log contract used by
// the memory cache and the conversation service.
type MessageLog struct {
	DB *gorm.DB
}

// NewMessageLog returns a MessageLog over db.
func NewMessageLog(db *gorm.DB) *MessageLog { return &MessageLog{DB: db} }

func (l *MessageLog) Append(ctx context.Context, conversationID, role, text string, at time.Time) (string, error) {
	return AppendMessage(ctx, l.DB, conversationID, role, text, at)
}

func (l *MessageLog) ReadRecent(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	return RecentMessages(ctx, l.DB, conversationID, limit)
}

func (l *MessageLog) ReadBefore(ctx context.Context, conversationID string, before time.Time, limit int) ([]domain.Message, error) {
	return MessagesBefore(ctx, l.DB, conversationID, before, limit)
}

func (l *MessageLog) DeleteAll(ctx context.Context, conversationID string) error {
	return DeleteMessages(ctx, l.DB, conversationID)
}

// DeleteMessage removes a single message by id.
func DeleteMessage(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Message{}).Error
}

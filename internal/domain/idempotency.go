package domain

import "time"

// IdempotencyStatus is the lifecycle state of a keyed request.
type IdempotencyStatus string

const (
	StatusInProgress IdempotencyStatus = "IN_PROGRESS"
	StatusCompleted  IdempotencyStatus = "COMPLETED"
	StatusFailed     IdempotencyStatus = "FAILED"
)

// Valid reports whether s is one of the known statuses.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IdempotencyRecord is the stored state for one (user, request key) pair.
// It is serialized as JSON into the key-value store.
//
// ClaimedMessageID identifies the user turn persisted by the first attempt,
// so a retry never has to rediscover it from the log. Attempt names the
// execution that currently owns an IN_PROGRESS record; it is rewritten on
// every retry and only its owner may seal the record.
type IdempotencyRecord struct {
	Status           IdempotencyStatus `json:"status"`
	ConversationID   string            `json:"conversationId"`
	ClaimedMessageID string            `json:"claimedMessageId,omitempty"`
	Attempt          string            `json:"attempt,omitempty"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// CanTransition reports whether the record may move to next. Allowed moves
// are IN_PROGRESS to COMPLETED or FAILED and FAILED back to IN_PROGRESS.
func (r IdempotencyRecord) CanTransition(next IdempotencyStatus) bool {
	switch r.Status {
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed
	case StatusFailed:
		return next == StatusInProgress
	}
	return false
}

// KVEntry backs the SQL implementation of the key-value store. A nil
// ExpiresAt means the entry never expires.
type KVEntry struct {
	Key       string     `gorm:"type:varchar(512);primaryKey"`
	Value     []byte     `gorm:"type:blob;not null"`
	ExpiresAt *time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TableName implements the GORM tabler interface.
func (KVEntry) TableName() string { return "kv_entries" }

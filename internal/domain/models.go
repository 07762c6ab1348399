// Package domain defines the persistence models for conversations and their
// messages. These types are mapped with GORM and form the durable layer the
// conversation memory cache is built over.
package domain

import "time"

// Message roles stored in the durable log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation indexes a chat thread owned by a user.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: identifier of the owner; indexed for listing.
//   - Subject: short human-readable subject, set once on creation.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM; UpdatedAt is
//     touched on every new turn so listings sort by recent activity.
type Conversation struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);not null;index:idx_user_conversations"`
	Subject   string    `json:"subject"    gorm:"type:varchar(255);not null;default:'(untitled)'"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"index:idx_user_conversations"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Message is one durable turn of a conversation. The log is append-only;
// rows are removed only when the whole conversation is cleared.
type Message struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conversation_msgs,priority:1"`
	Role           string    `json:"role"            gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Content        string    `json:"content"         gorm:"type:text;not null"`
	CreatedAt      time.Time `json:"created_at"      gorm:"index:idx_conversation_msgs,priority:2"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

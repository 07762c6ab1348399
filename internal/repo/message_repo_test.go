package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-stream/internal/domain"
)

// test DB helper
func newMsgRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("msg_repo_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedLog(t *testing.T, db *gorm.DB, conv string, base time.Time, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		id, err := AppendMessage(context.Background(), db, conv, role, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestAppendMessage_AssignsIDAndTimestamp(t *testing.T) {
	db := newMsgRepoDB(t, &domain.Message{})

	id, err := AppendMessage(context.Background(), db, "c1", domain.RoleUser, "hello", time.Time{})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated id")
	}
	var got domain.Message
	if err := db.First(&got, "id = ?", id).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.ConversationID != "c1" || got.Content != "hello" || got.Role != domain.RoleUser {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.CreatedAt.IsZero() || time.Since(got.CreatedAt) > time.Minute {
		t.Fatalf("CreatedAt not set reasonably: %v", got.CreatedAt)
	}
}

func TestRecentMessages_NewestFirstWithLimit(t *testing.T) {
	db := newMsgRepoDB(t, &domain.Message{})
	base := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	seedLog(t, db, "c1", base, 5)
	seedLog(t, db, "other", base, 3)

	got, err := RecentMessages(context.Background(), db, "c1", 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(got) != 3 || got[0].Content != "m4" || got[1].Content != "m3" || got[2].Content != "m2" {
		t.Fatalf("unexpected order: %+v", got)
	}

	all, _ := RecentMessages(context.Background(), db, "c1", 0)
	if len(all) != 5 {
		t.Fatalf("limit 0 should return all, got %d", len(all))
	}
}

func TestMessagesBefore_StrictlyOlder(t *testing.T) {
	db := newMsgRepoDB(t, &domain.Message{})
	base := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	seedLog(t, db, "c1", base, 6)

	got, err := MessagesBefore(context.Background(), db, "c1", base.Add(3*time.Second), 10)
	if err != nil {
		t.Fatalf("MessagesBefore: %v", err)
	}
	if len(got) != 3 || got[0].Content != "m2" || got[2].Content != "m0" {
		t.Fatalf("unexpected page: %+v", got)
	}

	got, _ = MessagesBefore(context.Background(), db, "c1", base.Add(3*time.Second), 2)
	if len(got) != 2 || got[0].Content != "m2" || got[1].Content != "m1" {
		t.Fatalf("limit not applied newest-first: %+v", got)
	}

	got, _ = MessagesBefore(context.Background(), db, "c1", base, 10)
	if len(got) != 0 {
		t.Fatalf("nothing is older than the first message, got %d", len(got))
	}
}

func TestDeleteMessages_OnlyTargetConversation(t *testing.T) {
	db := newMsgRepoDB(t, &domain.Message{})
	base := time.Now().UTC()
	seedLog(t, db, "c1", base, 3)
	seedLog(t, db, "c2", base, 2)

	if err := DeleteMessages(context.Background(), db, "c1"); err != nil {
		t.Fatalf("DeleteMessages: %v", err)
	}
	if got, _ := RecentMessages(context.Background(), db, "c1", 0); len(got) != 0 {
		t.Fatalf("c1 should be empty, got %d", len(got))
	}
	if got, _ := RecentMessages(context.Background(), db, "c2", 0); len(got) != 2 {
		t.Fatalf("c2 should be untouched, got %d", len(got))
	}
}

func TestMessageLog_DelegatesToRepo(t *testing.T) {
	db := newMsgRepoDB(t, &domain.Message{})
	l := NewMessageLog(db)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := l.Append(ctx, "c1", domain.RoleUser, "q", base); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(ctx, "c1", domain.RoleAssistant, "a", base.Add(time.Second)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	recent, err := l.ReadRecent(ctx, "c1", 10)
	if err != nil || len(recent) != 2 || recent[0].Content != "a" {
		t.Fatalf("ReadRecent: %+v %v", recent, err)
	}
	older, err := l.ReadBefore(ctx, "c1", base.Add(time.Second), 10)
	if err != nil || len(older) != 1 || older[0].Content != "q" {
		t.Fatalf("ReadBefore: %+v %v", older, err)
	}
	if err := l.DeleteAll(ctx, "c1"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if recent, _ := l.ReadRecent(ctx, "c1", 10); len(recent) != 0 {
		t.Fatalf("expected empty log")
	}
}

func TestRecentMessages_MissingTable_Error(t *testing.T) {
	db := newMsgRepoDB(t)
	if _, err := RecentMessages(context.Background(), db, "c1", 5); err == nil {
		t.Fatalf("expected error when table is missing")
	}
}

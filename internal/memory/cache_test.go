package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-stream/internal/domain"
	"github.com/tbourn/go-chat-stream/internal/kv"
	"github.com/tbourn/go-chat-stream/internal/repo"
)

// ---------- test plumbing ----------

type fixture struct {
	cache *Cache
	log   *repo.MessageLog
	store kv.Store
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	o, _ := redis.ParseURL("redis://" + mr.Addr())
	client := redis.NewClient(o)
	t.Cleanup(func() { _ = client.Close() })

	dsn := fmt.Sprintf("file:mem_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Message{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := kv.NewRedis(client)
	msgLog := repo.NewMessageLog(db)
	return &fixture{cache: New(store, msgLog, opts...), log: msgLog, store: store, mr: mr}
}

func (f *fixture) seed(t *testing.T, conv string, base time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		if _, err := f.log.Append(context.Background(), conv, role, fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

type failingLog struct{ err error }

func (l failingLog) ReadRecent(context.Context, string, int) ([]domain.Message, error) {
	return nil, l.err
}
func (l failingLog) ReadBefore(context.Context, string, time.Time, int) ([]domain.Message, error) {
	return nil, l.err
}
func (l failingLog) DeleteAll(context.Context, string) error { return l.err }

// ---------- get ----------

func TestGet_MissReadsLogThenHits(t *testing.T) {
	f := newFixture(t, WithMaxMessages(4))
	ctx := context.Background()
	f.seed(t, "c1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), 6)

	direct, err := f.log.ReadRecent(ctx, "c1", 4)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	first, err := f.cache.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get miss: %v", err)
	}
	if len(first) != len(direct) {
		t.Fatalf("len = %d; want %d", len(first), len(direct))
	}
	for i := range direct {
		if first[i].Text != direct[i].Content || first[i].Role != direct[i].Role || !first[i].Timestamp.Equal(direct[i].CreatedAt) {
			t.Fatalf("entry %d = %+v; want %+v", i, first[i], direct[i])
		}
	}
	if !f.mr.Exists(cacheKey("c1")) {
		t.Fatalf("miss should populate the cache")
	}

	// Second read must be served by the cache even if the log changes.
	_ = f.log.DeleteAll(ctx, "c1")
	second, err := f.cache.Get(ctx, "c1")
	if err != nil || !equalKeys(keys(first), keys(second)) {
		t.Fatalf("second Get should hit: %v %v", keys(second), err)
	}
}

func TestGet_EmptyLog_NoCacheWrite(t *testing.T) {
	f := newFixture(t)
	got, err := f.cache.Get(context.Background(), "empty")
	if err != nil || len(got) != 0 {
		t.Fatalf("Get = %v %v", got, err)
	}
	if f.mr.Exists(cacheKey("empty")) {
		t.Fatalf("empty result should not be cached")
	}
}

func TestGet_CacheTTLApplied(t *testing.T) {
	f := newFixture(t, WithTTL(30*time.Minute))
	f.seed(t, "c1", time.Now().UTC(), 2)
	if _, err := f.cache.Get(context.Background(), "c1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ttl := f.mr.TTL(cacheKey("c1")); ttl != 30*time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestGet_CorruptBlob_TreatedAsMiss(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "c1", time.Now().UTC(), 2)
	_ = f.mr.Set(cacheKey("c1"), "not json")

	got, err := f.cache.Get(context.Background(), "c1")
	if err != nil || len(got) != 2 {
		t.Fatalf("expected log fallback, got %v %v", got, err)
	}
}

func TestGet_LogError_Propagates(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("db down")
	c := New(f.store, failingLog{err: boom})
	if _, err := c.Get(context.Background(), "c1"); !errors.Is(err, boom) {
		t.Fatalf("expected log error, got %v", err)
	}
}

// ---------- add ----------

func TestAdd_DedupIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := []CachedMessage{{Role: domain.RoleUser, Text: "q"}, {Role: domain.RoleAssistant, Text: "a"}}

	if err := f.cache.Add(ctx, "c1", batch); err != nil {
		t.Fatalf("Add: %v", err)
	}
	once, _ := f.cache.Get(ctx, "c1")
	if err := f.cache.Add(ctx, "c1", batch); err != nil {
		t.Fatalf("Add again: %v", err)
	}
	twice, _ := f.cache.Get(ctx, "c1")

	if !equalKeys(keys(once), keys(twice)) {
		t.Fatalf("dedup violated: %v vs %v", keys(once), keys(twice))
	}
	if want := []string{"ASSISTANT::a", "USER::q"}; !equalKeys(keys(twice), want) {
		t.Fatalf("order = %v; want %v", keys(twice), want)
	}
}

func TestAdd_TruncatesToCapKeepingNewest(t *testing.T) {
	f := newFixture(t, WithMaxMessages(3))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := f.cache.Add(ctx, "c1", []CachedMessage{{Role: domain.RoleUser, Text: fmt.Sprintf("q%d", i)}}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	got, _ := f.cache.Get(ctx, "c1")
	if want := []string{"USER::q4", "USER::q3", "USER::q2"}; !equalKeys(keys(got), want) {
		t.Fatalf("got %v; want %v", keys(got), want)
	}
}

func TestAdd_DoesNotWriteLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.cache.Add(ctx, "c1", []CachedMessage{{Role: domain.RoleUser, Text: "q"}})
	rows, _ := f.log.ReadRecent(ctx, "c1", 10)
	if len(rows) != 0 {
		t.Fatalf("Add must not touch the log, found %d rows", len(rows))
	}
}

func TestAdd_StoreDown_ReturnsError(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()
	if err := f.cache.Add(context.Background(), "c1", []CachedMessage{{Role: "user", Text: "q"}}); err == nil {
		t.Fatalf("expected write error")
	}
}

// ---------- warm / paging ----------

func TestWarmCache_RealTimestampsReplaceSynthetic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.cache.Add(ctx, "c1", []CachedMessage{{Role: domain.RoleUser, Text: "m0"}})

	f.seed(t, "c1", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 2)
	rows, _ := f.log.ReadRecent(ctx, "c1", 10)
	if err := f.cache.WarmCache(ctx, "c1", rows); err != nil {
		t.Fatalf("WarmCache: %v", err)
	}
	got, _ := f.cache.Get(ctx, "c1")
	if len(got) != 2 {
		t.Fatalf("expected dedup to 2 entries, got %v", keys(got))
	}
	for _, m := range got {
		if m.Synthetic {
			t.Fatalf("all entries should carry real timestamps now: %+v", got)
		}
	}
	if got[0].Text != "m1" {
		t.Fatalf("expected real order newest first, got %v", keys(got))
	}
}

func TestGetWithPaging_MergesOlderPage(t *testing.T) {
	f := newFixture(t, WithMaxMessages(4))
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.seed(t, "c1", base, 8)

	if _, err := f.cache.Get(ctx, "c1"); err != nil { // caches m7..m4
		t.Fatalf("Get: %v", err)
	}
	view, err := f.cache.GetWithPaging(ctx, "c1", base.Add(4*time.Second), 3)
	if err != nil {
		t.Fatalf("GetWithPaging: %v", err)
	}
	want := []string{"ASSISTANT::m7", "USER::m6", "ASSISTANT::m5", "USER::m4", "ASSISTANT::m3", "USER::m2", "ASSISTANT::m1"}
	if !equalKeys(keys(view), want) {
		t.Fatalf("view = %v; want %v", keys(view), want)
	}

	cached, _ := f.cache.Get(ctx, "c1")
	if len(cached) != 4 || cached[0].Text != "m7" {
		t.Fatalf("stored blob must stay capped newest-first, got %v", keys(cached))
	}
}

func TestGetWithPaging_NoOlder_FallsBackToGet(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f.seed(t, "c1", base, 2)

	view, err := f.cache.GetWithPaging(context.Background(), "c1", base, 10)
	if err != nil || len(view) != 2 {
		t.Fatalf("expected Get fallback, got %v %v", keys(view), err)
	}
}

// ---------- clear ----------

func TestClear_RemovesLogAndCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "c1", time.Now().UTC(), 3)
	_, _ = f.cache.Get(ctx, "c1")

	if err := f.cache.Clear(ctx, "c1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if f.mr.Exists(cacheKey("c1")) {
		t.Fatalf("cache entry should be gone")
	}
	rows, _ := f.log.ReadRecent(ctx, "c1", 10)
	if len(rows) != 0 {
		t.Fatalf("log should be empty, got %d", len(rows))
	}
}

func TestClear_LogError_StillDropsCache(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("db down")
	c := New(f.store, failingLog{err: boom})
	_ = f.mr.Set(cacheKey("c1"), "[]")

	if err := c.Clear(context.Background(), "c1"); !errors.Is(err, boom) {
		t.Fatalf("expected log error, got %v", err)
	}
	if f.mr.Exists(cacheKey("c1")) {
		t.Fatalf("cache entry should be deleted even when the log fails")
	}
}

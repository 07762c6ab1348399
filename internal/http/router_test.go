package httpapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-stream/internal/config"
	"github.com/tbourn/go-chat-stream/internal/http/middleware"
	"github.com/tbourn/go-chat-stream/internal/kv"
	"github.com/tbourn/go-chat-stream/internal/llm"
	"github.com/tbourn/go-chat-stream/internal/llm/llmtest"
	"github.com/tbourn/go-chat-stream/internal/repo"
)

// --- test wiring: in-memory sqlite, miniredis, scripted model ---

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pool, err := ants.NewPool(4, ants.WithNonblocking(true))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Release)

	model := &llmtest.Client{Next: func(llm.Request) (llm.Stream, error) {
		return llmtest.Texts("Hello", " there"), nil
	}}
	return Deps{DB: db, Store: kv.NewRedis(client), Model: model, Pool: pool}
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   10,
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
		Idempotency: config.IdempotencyConfig{TTL: time.Hour, LockTTL: 30 * time.Second, MaxKeyLen: 64},
		ContextCache: config.ContextCacheConfig{
			TTL:         time.Hour,
			MaxMessages: 50,
		},
		Conversation: config.ConversationConfig{ContextLimit: 20, DefaultLimit: 20, MaxLimit: 100},
		Stream:       config.StreamConfig{SSETimeout: time.Minute, Workers: 4, Buffer: 16},
		Model:        config.ModelConfig{Name: "gpt-4o-mini", SystemPrompt: "be brief"},
	}
}

func newTestRouter(t *testing.T, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDeps(t), cfg)
	return r
}

func postStream(r http.Handler, user, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-User-ID", user)
	if key != "" {
		req.Header.Set(middleware.HeaderIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r := newTestRouter(t, testConfig())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "chat_streams_active") {
		t.Fatalf("GET /metrics bad: code=%d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r := newTestRouter(t, cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestStreamRoute_EndToEnd(t *testing.T) {
	r := newTestRouter(t, testConfig())

	w := postStream(r, "u1", "req-1", `{"question":"Hi?"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	if enc := w.Header().Get("Content-Encoding"); enc != "" {
		t.Fatalf("event stream must not be compressed, got %q", enc)
	}
	body := w.Body.String()
	for _, want := range []string{"event:open", "event:conversation_created", "event:chunk", "Hello"} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in stream:\n%s", want, body)
		}
	}
	if strings.Index(body, "event:open") > strings.Index(body, "event:chunk") {
		t.Fatalf("open must precede chunks:\n%s", body)
	}

	// The answer is in the read surface.
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("X-User-ID", "u1")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"conversations"`) {
		t.Fatalf("list = %d %s", w.Code, w.Body.String())
	}
}

func TestStreamRoute_ReplayBypassesRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	r := newTestRouter(t, cfg)

	if w := postStream(r, "u1", "req-1", `{"question":"Hi?"}`); !strings.Contains(w.Body.String(), "event:chunk") {
		t.Fatalf("first stream failed: %d %s", w.Code, w.Body.String())
	}

	w := postStream(r, "u1", "req-1", `{"question":"Hi?"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "event:already_completed") {
		t.Fatalf("replay = %d %s", w.Code, w.Body.String())
	}

	w = postStream(r, "u1", "req-2", `{"question":"Again?"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("fresh request after burst = %d, want 429", w.Code)
	}
}

func TestStreamRoute_BadRequestKey(t *testing.T) {
	r := newTestRouter(t, testConfig())
	w := postStream(r, "u1", "bad key!", `{"question":"Hi?"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestJSONRoutes_Gzipped(t *testing.T) {
	r := newTestRouter(t, testConfig())
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if enc := w.Header().Get("Content-Encoding"); enc != "gzip" {
		t.Fatalf("expected gzip, got %q", enc)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_joinPath_groupWithPrefix(t *testing.T) {
	if got := joinPath("/", streamPath); got != streamPath {
		t.Fatalf("joinPath root = %q", got)
	}
	if got := joinPath("/api/v1", streamPath); got != "/api/v1"+streamPath {
		t.Fatalf("joinPath = %q", got)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	groupWithPrefix(r, "").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

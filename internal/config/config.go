// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage backends, request-key and context-cache lifetimes,
// streaming capacity, the model connection, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-chat-stream")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// IdempotencyConfig bounds request-key records.
type IdempotencyConfig struct {
	TTL       time.Duration // IDEMPOTENCY_TTL: record lifetime
	LockTTL   time.Duration // IDEMPOTENCY_RETRY_LOCK_TTL: retry lock lifetime
	MaxKeyLen int           // IDEMPOTENCY_MAX_KEY_LEN
}

// KVConfig selects the key-value backend for records and cached context.
type KVConfig struct {
	Backend  string // KV_BACKEND: redis|sqlite
	RedisURL string // REDIS_URL
}

// ContextCacheConfig bounds the per-conversation context cache.
type ContextCacheConfig struct {
	TTL         time.Duration // CONTEXT_CACHE_TTL
	MaxMessages int           // CONTEXT_CACHE_MAX
}

// ConversationConfig holds the conversation surface limits.
type ConversationConfig struct {
	ContextLimit int // CONTEXT_LIMIT: history turns sent to the model
	DefaultLimit int // CONVERSATION_DEFAULT_LIMIT: default page size
	MaxLimit     int // CONVERSATION_MAX_LIMIT: page size cap
}

// StreamConfig sizes the streaming pipeline.
type StreamConfig struct {
	SSETimeout time.Duration // SSE_TIMEOUT: 0 disables
	Workers    int           // STREAM_WORKERS: concurrent sink writers
	Buffer     int           // STREAM_BUFFER: queued events per stream
}

// ModelConfig describes the model connection.
type ModelConfig struct {
	Name         string // MODEL_NAME
	BlockTag     string // MODEL_BLOCK_TAG: empty derives it from Name
	APIKey       string // OPENAI_API_KEY
	BaseURL      string // OPENAI_BASE_URL
	SystemPrompt string // SYSTEM_PROMPT
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // 0 for long-lived streams
	IdleTimeout       time.Duration // e.g. 60s
	ShutdownTimeout   time.Duration // graceful drain window
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DBPath string // SQLite path
	KV     KVConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Conversations
	Idempotency  IdempotencyConfig
	ContextCache ContextCacheConfig
	Conversation ConversationConfig
	Stream       StreamConfig
	Model        ModelConfig

	// Observability
	OTEL OTELConfig
}

const defaultSystemPrompt = "You are a helpful assistant. Answer concisely."

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 0),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   getdur("SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBPath: getenv("DB_PATH", "data/app.db"),
		KV: KVConfig{
			Backend:  strings.ToLower(getenv("KV_BACKEND", "redis")),
			RedisURL: getenv("REDIS_URL", "redis://localhost:6379/0"),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Conversations
		Idempotency: IdempotencyConfig{
			TTL:       getdur("IDEMPOTENCY_TTL", 24*time.Hour),
			LockTTL:   getdur("IDEMPOTENCY_RETRY_LOCK_TTL", 5*time.Minute),
			MaxKeyLen: getint("IDEMPOTENCY_MAX_KEY_LEN", 200),
		},
		ContextCache: ContextCacheConfig{
			TTL:         getdur("CONTEXT_CACHE_TTL", time.Hour),
			MaxMessages: getint("CONTEXT_CACHE_MAX", 20),
		},
		Conversation: ConversationConfig{
			ContextLimit: getint("CONTEXT_LIMIT", 20),
			DefaultLimit: getint("CONVERSATION_DEFAULT_LIMIT", 20),
			MaxLimit:     getint("CONVERSATION_MAX_LIMIT", 100),
		},
		Stream: StreamConfig{
			SSETimeout: getdur("SSE_TIMEOUT", 5*time.Minute),
			Workers:    getint("STREAM_WORKERS", 256),
			Buffer:     getint("STREAM_BUFFER", 64),
		},
		Model: ModelConfig{
			Name:         getenv("MODEL_NAME", "gpt-4o-mini"),
			BlockTag:     strings.TrimSpace(getenv("MODEL_BLOCK_TAG", "")),
			APIKey:       getenv("OPENAI_API_KEY", ""),
			BaseURL:      getenv("OPENAI_BASE_URL", ""),
			SystemPrompt: getenv("SYSTEM_PROMPT", defaultSystemPrompt),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-chat-stream"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.WriteTimeout < 0 {
		return cfg, errors.New("WRITE_TIMEOUT must be >= 0")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	switch cfg.KV.Backend {
	case "redis":
		if strings.TrimSpace(cfg.KV.RedisURL) == "" {
			return cfg, errors.New("REDIS_URL must not be empty when KV_BACKEND=redis")
		}
	case "sqlite":
	default:
		return cfg, errors.New("KV_BACKEND must be one of: redis, sqlite")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.Idempotency.TTL <= 0 || cfg.Idempotency.LockTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL and IDEMPOTENCY_RETRY_LOCK_TTL must be > 0")
	}
	if cfg.Idempotency.MaxKeyLen < 1 {
		return cfg, errors.New("IDEMPOTENCY_MAX_KEY_LEN must be >= 1")
	}
	if cfg.ContextCache.TTL <= 0 || cfg.ContextCache.MaxMessages < 1 {
		return cfg, errors.New("CONTEXT_CACHE_TTL must be > 0 and CONTEXT_CACHE_MAX >= 1")
	}
	if cfg.Conversation.ContextLimit < 0 {
		return cfg, errors.New("CONTEXT_LIMIT must be >= 0")
	}
	if cfg.Conversation.DefaultLimit < 1 || cfg.Conversation.MaxLimit < cfg.Conversation.DefaultLimit {
		return cfg, errors.New("CONVERSATION_DEFAULT_LIMIT must be >= 1 and <= CONVERSATION_MAX_LIMIT")
	}
	if cfg.Stream.SSETimeout < 0 {
		return cfg, errors.New("SSE_TIMEOUT must be >= 0")
	}
	if cfg.Stream.Workers < 1 || cfg.Stream.Buffer < 1 {
		return cfg, errors.New("STREAM_WORKERS and STREAM_BUFFER must be >= 1")
	}
	if strings.TrimSpace(cfg.Model.Name) == "" {
		return cfg, errors.New("MODEL_NAME must not be empty")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}

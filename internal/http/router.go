// Package httpapi wires the HTTP transport (Gin) to the conversation service,
// middleware, and route handlers. It builds the idempotency coordinator, the
// context cache and the streaming pipeline over the injected stores, and
// centralizes cross-cutting concerns such as tracing, correlation IDs,
// logging/redaction, panic recovery, metrics, CORS, security headers,
// request-key validation, rate limiting and compression.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-stream/internal/config"
	_ "github.com/tbourn/go-chat-stream/internal/docs"
	"github.com/tbourn/go-chat-stream/internal/domain"
	"github.com/tbourn/go-chat-stream/internal/http/handlers"
	"github.com/tbourn/go-chat-stream/internal/http/middleware"
	"github.com/tbourn/go-chat-stream/internal/idempotency"
	"github.com/tbourn/go-chat-stream/internal/kv"
	"github.com/tbourn/go-chat-stream/internal/llm"
	"github.com/tbourn/go-chat-stream/internal/memory"
	"github.com/tbourn/go-chat-stream/internal/repo"
	"github.com/tbourn/go-chat-stream/internal/services"
	"github.com/tbourn/go-chat-stream/internal/streaming"
)

// streamPath is the server-sent events route, relative to the API base.
const streamPath = "/conversations/stream"

// Deps are the long-lived collaborators the routes are built over. The
// caller owns their lifecycle.
type Deps struct {
	DB    *gorm.DB
	Store kv.Store
	Model llm.Client
	Pool  *ants.Pool
}

// newService wires the conversation service from deps and cfg.
func newService(d Deps, cfg config.Config) (*services.ConversationService, *idempotency.Coordinator) {
	coord := idempotency.NewCoordinator(d.Store,
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLockTTL(cfg.Idempotency.LockTTL),
	)
	mem := memory.New(d.Store, repo.NewMessageLog(d.DB),
		memory.WithTTL(cfg.ContextCache.TTL),
		memory.WithMaxMessages(cfg.ContextCache.MaxMessages),
	)
	tag := cfg.Model.BlockTag
	if tag == "" {
		tag = streaming.BlockTagForModel(cfg.Model.Name)
	}
	pipe := streaming.New(d.Pool,
		streaming.WithBuffer(cfg.Stream.Buffer),
		streaming.WithBlockTag(tag),
	)

	svc := services.NewConversationService(d.DB, coord, mem, d.Model, pipe, cfg.Model.Name)
	svc.SystemPrompt = cfg.Model.SystemPrompt
	svc.ContextLimit = cfg.Conversation.ContextLimit
	svc.DefaultLimit = cfg.Conversation.DefaultLimit
	svc.MaxLimit = cfg.Conversation.MaxLimit
	svc.SubjectLocale = language.English
	return svc, coord
}

// completedLookup reports whether a request key already completed, for the
// idempotency validator.
func completedLookup(coord *idempotency.Coordinator) middleware.IdempotencyLookup {
	return func(ctx context.Context, userID, key string) (bool, error) {
		rec, err := coord.Lookup(ctx, userID, key)
		if err != nil || rec == nil {
			return false, err
		}
		return rec.Status == domain.StatusCompleted, nil
	}
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per user/IP, bypass on replay)
//  9. CORS and Security headers
//  10. Gzip for JSON routes (the event stream is never compressed)
func RegisterRoutes(r *gin.Engine, d Deps, cfg config.Config) {
	svc, coord := newService(d, cfg)

	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-API-Key", // project-specific sensitive header example
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics(streamPath))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: cfg.Idempotency.MaxKeyLen,
		},
		completedLookup(coord),
	))

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey, middleware.HeaderIdempotencyKeyAlt},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey, middleware.HeaderIdempotencyKeyAlt},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:    cfg.Security.EnableHSTS,
		HSTSMaxAge:    cfg.Security.HSTSMaxAge,
		NoStore:       false,
		EnablePolicy:  true,
		ExposeHeaders: []string{"ETag", "Retry-After"},
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// API base relative stream route for the gzip exclusion
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{joinPath(apiBase, streamPath)})))

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(svc,
		handlers.WithSSETimeout(cfg.Stream.SSETimeout),
		handlers.WithPageLimits(cfg.Conversation.DefaultLimit, cfg.Conversation.MaxLimit),
	)

	// Public API
	api := groupWithPrefix(r, apiBase)
	{
		api.POST(streamPath, h.StreamAnswer)
		api.GET("/conversations", h.ListConversations)
		api.GET("/conversations/:id/messages", h.ListMessages)
		api.DELETE("/conversations/:id", h.DeleteConversation)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// joinPath joins an API base and a route, treating "/" (or empty) as root.
func joinPath(base, route string) string {
	if base == "" || base == "/" {
		return route
	}
	return base + route
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

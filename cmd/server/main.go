// Command server runs the streaming chat API.
//
// @title           go-chat-stream API
// @version         1.0
// @description     Idempotent server-sent event answers over a conversation store.
// @BasePath        /api/v1
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-chat-stream/internal/config"
	httpapi "github.com/tbourn/go-chat-stream/internal/http"
	"github.com/tbourn/go-chat-stream/internal/kv"
	"github.com/tbourn/go-chat-stream/internal/llm"
	"github.com/tbourn/go-chat-stream/internal/observability"
	"github.com/tbourn/go-chat-stream/internal/repo"
	"github.com/tbourn/go-chat-stream/internal/sysutil"
)

var version = "dev"

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), version))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	store, closeStore, err := kv.Open(ctx, cfg.KV.Backend, cfg.KV.RedisURL, db)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn().Err(err).Msg("kv close")
		}
	}()

	pool, err := ants.NewPool(cfg.Stream.Workers, ants.WithNonblocking(true))
	if err != nil {
		return err
	}
	defer pool.Release()

	if cfg.Model.APIKey == "" {
		log.Warn().Msg("no model API key configured; upstream calls will fail")
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:    db,
		Store: store,
		Model: llm.NewOpenAI(cfg.Model.APIKey, cfg.Model.BaseURL),
		Pool:  pool,
	}, cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("kv", cfg.KV.Backend).Str("model", cfg.Model.Name).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("draining")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

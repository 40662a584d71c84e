package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breddin/codecollab/internal/auth"
	"github.com/breddin/codecollab/internal/config"
	"github.com/breddin/codecollab/internal/gateway"
	"github.com/breddin/codecollab/internal/server"
	"github.com/breddin/codecollab/internal/session"
	"github.com/breddin/codecollab/internal/storage"
)

func main() {
	cfg := config.Load()

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hubOpts := []gateway.HubOption{
		gateway.WithLogger(logger),
		gateway.WithHeartbeatInterval(cfg.HeartbeatInterval),
		gateway.WithPresenceTimeouts(cfg.IdleTimeout, cfg.AwayTimeout),
	}

	// Snapshot persistence is optional; without DATABASE_URL documents live
	// only in memory.
	var store *storage.PostgresStore
	if cfg.DatabaseURL != "" {
		store = storage.NewPostgresStore(&storage.Config{
			ConnectionString:  cfg.DatabaseURL,
			PoolMinConns:      2,
			PoolMaxConns:      10,
			ConnectionTimeout: 5 * time.Second,
		})
		if err := store.Connect(ctx); err != nil {
			logger.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		logger.Info("snapshot persistence enabled")
		hubOpts = append(hubOpts, gateway.WithSessionStore(session.NewStore(
			session.WithPersistence(store),
			session.WithMaxHistory(cfg.MaxPendingOps),
			session.WithLogger(logger),
		)))
	}

	// Cross-server fan-out is optional; without REDIS_URL broadcasts stay
	// local to this instance.
	var fanout *storage.RedisFanout
	if cfg.RedisURL != "" {
		var err error
		fanout, err = storage.NewRedisFanout(&storage.RedisFanoutConfig{
			URL:           cfg.RedisURL,
			ChannelPrefix: cfg.RedisChannelPrefix,
			MaxRetries:    3,
		})
		if err == nil {
			err = fanout.Connect(ctx)
		}
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		logger.Info("cross-server fan-out enabled")
		hubOpts = append(hubOpts, gateway.WithFanout(fanout))
	}

	hub := gateway.NewHub(auth.NewJWTVerifier(cfg.JWTSecret), hubOpts...)
	srv := server.New(cfg, hub, logger)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		logger.Info("server starting", "addr", addr, "environment", cfg.Environment)

		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", "error", err)
	}
	if fanout != nil {
		fanout.Disconnect(shutdownCtx)
	}
	if store != nil {
		store.Disconnect(shutdownCtx)
	}

	logger.Info("server stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

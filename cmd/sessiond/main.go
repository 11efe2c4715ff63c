// Command sessiond serves per-client session attributes over HTTP, backed by a
// session cache over a memory, Redis, or Postgres store.
package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	session "github.com/swfrench/session-cache"
	"github.com/swfrench/session-cache/internal/config"
	"golang.org/x/exp/slog"
)

const shutdownTimeout = 10 * time.Second

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fatal("Failed to read .env", err)
	}
	cfg, err := config.Load()
	if err != nil {
		fatal("Invalid configuration", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ds, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		fatal("Failed to open session store", err)
	}
	srv, err := newServer(ds, cfg)
	if err != nil {
		fatal("Failed to create session cache", err)
	}
	scav, err := session.NewScavenger(srv.cache, &session.ScavengerOptions{Interval: cfg.ScavengeInterval})
	if err != nil {
		fatal("Failed to create scavenger", err)
	}
	scavDone := make(chan struct{})
	go func() {
		defer close(scavDone)
		scav.Run(ctx)
	}()

	hs := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.handler(),
	}
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("HTTP server failed", err)
		}
	}()
	slog.Info("sessiond started", "addr", cfg.Addr, "store", cfg.Store, "node", cfg.Node, "eviction", cfg.Eviction.String())

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	<-scavDone
	if err := srv.cache.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to save sessions at shutdown", "error", err)
	}
	if err := closeStore(); err != nil {
		slog.Error("Failed to close session store", "error", err)
	}
	slog.Info("sessiond stopped cleanly")
}

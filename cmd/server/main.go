// Package main provides the entry point for the content-vault ingest server.
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

	"github.com/maauso/content-vault/internal/bootstrap"
	"github.com/maauso/content-vault/internal/config"
	"github.com/maauso/content-vault/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting content-vault",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("storage_provider", cfg.StorageProvider),
		slog.String("transformer", cfg.Transformer),
		slog.Int("max_concurrent_transforms", cfg.MaxConcurrentTransforms),
		slog.Duration("link_expiration", cfg.LinkExpiration),
	)
	logger.Debug("effective configuration", slog.String("config", cfg.String()))

	// Initialize dependencies using bootstrap
	deps, err := bootstrap.NewDependencies(context.Background(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer func() {
		if cerr := deps.Close(); cerr != nil {
			logger.Warn("failed to close dependencies", slog.String("error", cerr.Error()))
		}
	}()

	// Initialize HTTP handlers and router
	opts := []server.HandlerOption{server.WithMaxUploadBytes(cfg.MaxUploadMB << 20)}
	if deps.LocalFiles != nil {
		opts = append(opts, server.WithFileStore(deps.LocalFiles))
	}
	handlers := server.NewHandlers(deps.Orchestrator, deps.Learner, logger, opts...)

	routerCfg := server.DefaultConfig()
	routerCfg.Gatherer = deps.Registry
	routerCfg.RateLimitRPS = cfg.RateLimitRPS
	routerCfg.RateLimitBurst = cfg.RateLimitBurst
	router := server.NewRouter(handlers, logger, routerCfg)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute,
		WriteTimeout: cfg.TransformTimeout*time.Duration(cfg.MaxTransformAttempts) + 2*time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

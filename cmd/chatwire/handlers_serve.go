package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/chatwire/internal/hub"
	"github.com/haasonsaas/chatwire/internal/jobs"
	"github.com/haasonsaas/chatwire/internal/moderation"
	"github.com/haasonsaas/chatwire/internal/observability"
)

const shutdownTimeout = 10 * time.Second

// runServe starts the hub and blocks until a shutdown signal or a
// server failure.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	metrics := observability.NewMetrics()

	queue := jobs.NewQueue(jobs.QueueConfig{
		RetentionCap: cfg.Jobs.RetentionCap,
		Logger:       logger,
		Metrics:      metrics,
	})
	defer queue.Close()
	if err := moderation.RegisterAll(queue, logger); err != nil {
		return fmt.Errorf("registering job handlers: %w", err)
	}

	h := hub.New(hub.Config{
		Queue:         queue,
		SessionBuffer: cfg.Hub.SessionBuffer,
		Logger:        logger,
		Metrics:       metrics,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)

	srv := &http.Server{
		Addr:    cfg.Hub.ListenAddr,
		Handler: h.Handler(),
	}
	go func() {
		logger.Info("hub listening", "addr", cfg.Hub.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("hub server: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.Hub.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Hub.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Hub.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("hub shutdown", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}
	logger.Info("shutdown complete")
	return nil
}

// Command server starts the note-generation HTTP API.
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

	"github.com/scribehq/notegen/internal/adapter/blob"
	"github.com/scribehq/notegen/internal/adapter/events/redpanda"
	httpserver "github.com/scribehq/notegen/internal/adapter/httpserver"
	"github.com/scribehq/notegen/internal/adapter/observability"
	"github.com/scribehq/notegen/internal/adapter/upstream/agent"
	"github.com/scribehq/notegen/internal/adapter/upstream/transcriber"
	"github.com/scribehq/notegen/internal/app"
	"github.com/scribehq/notegen/internal/config"
	"github.com/scribehq/notegen/internal/domain"
	"github.com/scribehq/notegen/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := app.ConnectRedis(ctx, cfg, logger)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = redisClient.Close() }()

	store := app.NewJobStore(redisClient, logger)
	go store.RunRecovery(ctx, cfg.ProbeInterval)

	blobs, err := blob.NewFSStore(cfg.AudioBlobDir)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	agentClient := agent.New(cfg)
	transcriberClient := transcriber.New(cfg)

	health := app.NewDegradationController(cfg, agentClient, transcriberClient, store, logger)
	go health.Run(ctx, cfg.ProbeInterval)

	var events domain.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := redpanda.NewProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			slog.Error("event producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer producer.Close()
		events = producer
	}

	engine, err := app.NewRetryEngine(cfg)
	if err != nil {
		slog.Error("retry engine init failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobs := usecase.NewJobService(store, engine, health, events, usecase.Limits{
		MaxTextChars:  cfg.MaxTextChars,
		MaxAttempts:   cfg.RetryMaxAttempts,
		MinAudioBytes: cfg.MinAudioBytes,
		MaxAudioBytes: cfg.MaxAudioBytes,
	}, logger)

	srv := &httpserver.Server{
		Cfg:        cfg,
		Jobs:       jobs,
		Blobs:      blobs,
		Health:     health,
		Registry:   nil, // workers run in the worker binary
		StoreCheck: store.Ping,
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

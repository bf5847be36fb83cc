// Command worker runs the job-processing pools: it drains the queues, talks
// to the transcriber and agent upstreams, and persists transcripts and notes.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/scribehq/notegen/internal/adapter/blob"
	"github.com/scribehq/notegen/internal/adapter/events/redpanda"
	"github.com/scribehq/notegen/internal/adapter/observability"
	"github.com/scribehq/notegen/internal/adapter/repo/postgres"
	"github.com/scribehq/notegen/internal/adapter/upstream/agent"
	"github.com/scribehq/notegen/internal/adapter/upstream/transcriber"
	"github.com/scribehq/notegen/internal/app"
	"github.com/scribehq/notegen/internal/config"
	"github.com/scribehq/notegen/internal/domain"
	"github.com/scribehq/notegen/internal/usecase"
	"github.com/scribehq/notegen/internal/worker"
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

	pool, err := app.ConnectPostgres(ctx, cfg, logger)
	if err != nil {
		slog.Error("postgres connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("schema migration failed", slog.Any("error", err))
		os.Exit(1)
	}

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

	registry := app.NewWorkerRegistry(cfg)
	deps := worker.Deps{
		Store:          store,
		Registry:       registry,
		Retries:        jobs,
		Agent:          agentClient,
		Transcriber:    transcriberClient,
		Blobs:          blobs,
		Transcripts:    postgres.NewTranscriptRepo(pool),
		Notes:          postgres.NewNoteRepo(pool),
		Events:         events,
		Logger:         logger,
		AttemptTimeout: cfg.AttemptTimeout,
		MaxAudioBytes:  cfg.MaxAudioBytes,
		MinAudioBytes:  cfg.MinAudioBytes,
	}

	sched := app.NewScheduler(cfg, deps, logger)
	slog.Info("worker pools starting",
		slog.Int("text_workers", cfg.TextWorkerCount),
		slog.Int("audio_workers", cfg.AudioWorkerCount),
		slog.Int("transcription_workers", cfg.TranscriptionWorkerCount),
	)
	if err := sched.Run(ctx); err != nil {
		slog.Error("scheduler shutdown", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker pools stopped")
}

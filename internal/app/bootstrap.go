package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/scribehq/notegen/internal/adapter/jobstore"
	"github.com/scribehq/notegen/internal/adapter/repo/postgres"
	"github.com/scribehq/notegen/internal/adapter/upstream/agent"
	"github.com/scribehq/notegen/internal/adapter/upstream/transcriber"
	"github.com/scribehq/notegen/internal/config"
	"github.com/scribehq/notegen/internal/degradation"
	"github.com/scribehq/notegen/internal/domain"
	"github.com/scribehq/notegen/internal/retrypolicy"
	"github.com/scribehq/notegen/internal/scheduler"
	"github.com/scribehq/notegen/internal/worker"
	"github.com/scribehq/notegen/internal/workerhealth"
)

func connectBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

// ConnectRedis dials the job store backend, retrying with backoff so the
// process survives a slower-starting Redis during deploys.
func ConnectRedis(ctx context.Context, cfg config.Config, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDatabase,
	})
	op := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis not ready", slog.String("error", err.Error()))
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(connectBackoff(), ctx)); err != nil {
		return nil, fmt.Errorf("op=app.connect_redis: %w", err)
	}
	return client, nil
}

// ConnectPostgres builds the pgx pool and waits for the database to answer.
func ConnectPostgres(ctx context.Context, cfg config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return nil, err
	}
	op := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			logger.Warn("postgres not ready", slog.String("error", err.Error()))
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(connectBackoff(), ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("op=app.connect_postgres: %w", err)
	}
	return pool, nil
}

// NewJobStore wraps the Redis store with the in-memory failover backend.
// RunRecovery must be started by the caller.
func NewJobStore(client *redis.Client, logger *slog.Logger) *jobstore.FailoverStore {
	primary := jobstore.NewRedisStore(client, jobstore.DefaultKeyPrefix)
	return jobstore.NewFailoverStore(primary, jobstore.NewMemoryStore(), logger)
}

// NewWorkerRegistry sizes the health registry from config.
func NewWorkerRegistry(cfg config.Config) *workerhealth.Registry {
	return workerhealth.New(cfg.StaleThreshold(), cfg.ConsecutiveFailureLimit)
}

// NewScheduler builds the pool scheduler with one pool per queue.
func NewScheduler(cfg config.Config, deps worker.Deps, logger *slog.Logger) *scheduler.Scheduler {
	return scheduler.New(scheduler.Config{
		Pools: []scheduler.PoolSpec{
			{Variant: domain.WorkerVariantText, Queue: cfg.TextQueue, Count: cfg.TextWorkerCount},
			{Variant: domain.WorkerVariantAudio, Queue: cfg.AudioQueue, Count: cfg.AudioWorkerCount},
			{Variant: domain.WorkerVariantAudio, Queue: cfg.TranscriptionQueue, Count: cfg.TranscriptionWorkerCount},
		},
		DispatchInterval:  cfg.DispatchInterval,
		HousekeepInterval: cfg.HousekeepInterval,
		TerminalRetention: cfg.TerminalRetention,
		ShutdownGrace:     cfg.ShutdownGracePeriod,
	}, deps, logger)
}

// NewRetryEngine builds the backoff policy engine from env tuning plus the
// optional per-category overrides file.
func NewRetryEngine(cfg config.Config) (*retrypolicy.Engine, error) {
	base := domain.RetryTuning{
		Base:           cfg.RetryBase,
		Multiplier:     cfg.RetryMultiplier,
		Ceiling:        cfg.RetryCeiling,
		JitterFraction: cfg.RetryJitterFraction,
	}
	var opts []retrypolicy.Option
	if cfg.RetryOverridesFile != "" {
		loaded, err := retrypolicy.LoadOverrides(cfg.RetryOverridesFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, loaded...)
	}
	return retrypolicy.New(cfg.RetryMaxAttempts, base, opts...), nil
}

// NewDegradationController wires the probe targets: both upstreams plus the
// job store. A store running on its in-memory fallback probes as degraded;
// it probes down only when even the fallback fails.
func NewDegradationController(cfg config.Config, ag *agent.Client, tr *transcriber.Client, store *jobstore.FailoverStore, logger *slog.Logger) *degradation.Controller {
	storeProbe := func(ctx domain.Context) (domain.ProbeStatus, error) {
		if err := store.Ping(ctx); err != nil {
			return domain.ProbeDown, err
		}
		if !store.Healthy() {
			return domain.ProbeDegraded, nil
		}
		return domain.ProbeUp, nil
	}
	return degradation.NewController([]degradation.Target{
		{Name: degradation.TargetAgent, Probe: ag.Probe},
		{Name: degradation.TargetTranscriber, Probe: tr.Probe},
		{Name: degradation.TargetStore, Probe: storeProbe},
	}, degradation.Config{
		WindowSize:     cfg.ProbeWindowSize,
		LatencyWarn:    cfg.LatencyWarn,
		ErrorRateMinor: cfg.ErrorRateMinor,
		ErrorRateMajor: cfg.ErrorRateMajor,
	}, logger)
}

// Package scheduler runs the fixed-size worker pools and the queue
// housekeeping loop. Each pool slot owns one managed worker; when the
// worker deactivates or its heartbeat goes stale the slot retires it and
// spawns a replacement with a fresh id.
package scheduler

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/scribehq/notegen/internal/adapter/observability"
	"github.com/scribehq/notegen/internal/domain"
	"github.com/scribehq/notegen/internal/worker"
)

// PoolSpec sizes one worker pool.
type PoolSpec struct {
	Variant domain.WorkerVariant
	Queue   string
	Count   int
}

// Config carries the scheduler's tick and retention settings.
type Config struct {
	Pools             []PoolSpec
	DispatchInterval  time.Duration
	HousekeepInterval time.Duration
	// TerminalRetention bounds how long completed/failed/cancelled jobs are
	// kept; zero disables cleanup.
	TerminalRetention time.Duration
	ShutdownGrace     time.Duration
}

func (c *Config) defaults() {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 500 * time.Millisecond
	}
	if c.HousekeepInterval <= 0 {
		c.HousekeepInterval = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Scheduler supervises the worker pools.
type Scheduler struct {
	cfg    Config
	deps   worker.Deps
	logger *slog.Logger
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(cfg Config, deps worker.Deps, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, deps: deps, logger: logger, now: time.Now}
}

// Run starts every pool slot plus the housekeeping loop and blocks until ctx
// is cancelled. Shutdown is cooperative: in-flight ticks finish, bounded by
// the grace period.
func (s *Scheduler) Run(ctx domain.Context) error {
	for _, spec := range s.cfg.Pools {
		for i := 0; i < spec.Count; i++ {
			s.wg.Add(1)
			go s.runSlot(ctx, spec)
		}
	}
	s.wg.Add(1)
	go s.housekeep(ctx)

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.ShutdownGrace):
		return fmt.Errorf("op=scheduler.run: shutdown grace of %s elapsed with work in flight", s.cfg.ShutdownGrace)
	}
}

func (s *Scheduler) runSlot(ctx domain.Context, spec PoolSpec) {
	defer s.wg.Done()

	w := s.spawn(spec)
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.deps.Registry.Remove(w.ID())
			return
		case <-ticker.C:
			if w.Stopped() || !s.deps.Registry.IsHealthy(w.ID()) {
				retired := w.ID()
				s.deps.Registry.Remove(retired)
				w = s.spawn(spec)
				s.logger.Warn("replaced unhealthy worker",
					slog.String("retired_worker_id", retired),
					slog.String("worker_id", w.ID()),
					slog.String("queue", spec.Queue),
				)
			}
			if err := w.ProcessOnce(ctx); err != nil {
				s.logger.Error("dispatch tick failed",
					slog.String("worker_id", w.ID()),
					slog.String("queue", spec.Queue),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (s *Scheduler) spawn(spec PoolSpec) *worker.Worker {
	id := fmt.Sprintf("%s-%s", spec.Variant, ulid.MustNew(ulid.Timestamp(s.now()), rand.Reader))
	var w *worker.Worker
	if spec.Variant == domain.WorkerVariantAudio {
		w = worker.NewAudio(id, spec.Queue, s.deps)
	} else {
		w = worker.NewText(id, s.deps)
	}
	s.deps.Registry.Register(w.ID(), spec.Variant)
	s.logger.Info("worker started",
		slog.String("worker_id", w.ID()),
		slog.String("variant", string(spec.Variant)),
		slog.String("queue", w.Queue()),
	)
	return w
}

func (s *Scheduler) housekeep(ctx domain.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HousekeepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.houseKeepOnce(ctx)
		}
	}
}

func (s *Scheduler) houseKeepOnce(ctx domain.Context) {
	now := s.now()

	if n, err := s.deps.Store.PromoteDue(ctx, now); err != nil {
		s.logger.Error("promote due retries failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Debug("promoted delayed jobs", slog.Int("count", n))
	}

	if s.cfg.TerminalRetention > 0 {
		cutoff := now.Add(-s.cfg.TerminalRetention)
		if n, err := s.deps.Store.CleanupTerminal(ctx, cutoff); err != nil {
			s.logger.Error("terminal cleanup failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("cleaned up terminal jobs", slog.Int("count", n))
		}
	}

	for _, spec := range s.cfg.Pools {
		stats, err := s.deps.Store.Stats(ctx, spec.Queue)
		if err != nil {
			s.logger.Error("queue stats failed",
				slog.String("queue", spec.Queue),
				slog.String("error", err.Error()),
			)
			continue
		}
		observability.SetQueueDepth(spec.Queue, stats.Size)
	}
}

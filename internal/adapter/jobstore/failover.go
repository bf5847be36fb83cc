package jobstore

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/scribehq/notegen/internal/adapter/observability"
	"github.com/scribehq/notegen/internal/domain"
)

// FailoverStore serves from the primary store until it observes an
// infrastructure failure, then flips to the in-memory fallback. A recovery
// loop pings the primary and flips back once it answers. Jobs created while
// degraded live only in the fallback; operators see the flip via Healthy and
// the jobstore_fallback_active gauge.
type FailoverStore struct {
	primary  domain.JobStore
	fallback domain.JobStore
	degraded atomic.Bool
	logger   *slog.Logger
}

func NewFailoverStore(primary, fallback domain.JobStore, logger *slog.Logger) *FailoverStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverStore{primary: primary, fallback: fallback, logger: logger}
}

// Healthy reports whether the primary store is serving.
func (s *FailoverStore) Healthy() bool { return !s.degraded.Load() }

// RunRecovery pings the primary on the interval and restores it as soon as it
// answers. Blocks until ctx is done.
func (s *FailoverStore) RunRecovery(ctx domain.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.degraded.Load() {
				continue
			}
			if err := s.primary.Ping(ctx); err == nil {
				s.degraded.Store(false)
				observability.SetStoreFallback(false)
				s.logger.Info("job store primary recovered, leaving fallback")
			}
		}
	}
}

// infraFailure distinguishes store outages from domain outcomes such as
// not-found or CAS conflicts.
func infraFailure(err error) bool {
	return err != nil && errors.Is(err, domain.ErrStoreUnavailable)
}

func (s *FailoverStore) markDegraded(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		observability.SetStoreFallback(true)
		s.logger.Error("job store primary unavailable, switching to in-memory fallback",
			slog.String("error", err.Error()))
	}
}

func (s *FailoverStore) active() domain.JobStore {
	if s.degraded.Load() {
		return s.fallback
	}
	return s.primary
}

func (s *FailoverStore) PutNew(ctx domain.Context, j domain.Job) error {
	err := s.active().PutNew(ctx, j)
	if infraFailure(err) {
		s.markDegraded(err)
		return s.fallback.PutNew(ctx, j)
	}
	return err
}

func (s *FailoverStore) Get(ctx domain.Context, id string) (domain.Job, error) {
	job, err := s.active().Get(ctx, id)
	if infraFailure(err) {
		s.markDegraded(err)
		return s.fallback.Get(ctx, id)
	}
	return job, err
}

func (s *FailoverStore) CASUpdate(ctx domain.Context, id string, expected domain.JobStatus, mutate func(*domain.Job)) (domain.CASResult, error) {
	res, err := s.active().CASUpdate(ctx, id, expected, mutate)
	if infraFailure(err) {
		s.markDegraded(err)
		return s.fallback.CASUpdate(ctx, id, expected, mutate)
	}
	return res, err
}

func (s *FailoverStore) PopNext(ctx domain.Context, queue string) (domain.Job, error) {
	job, err := s.active().PopNext(ctx, queue)
	if infraFailure(err) {
		s.markDegraded(err)
		return s.fallback.PopNext(ctx, queue)
	}
	return job, err
}

func (s *FailoverStore) ListByUser(ctx domain.Context, userID string, limit, offset int) ([]domain.Job, error) {
	jobs, err := s.active().ListByUser(ctx, userID, limit, offset)
	if infraFailure(err) {
		s.markDegraded(err)
		return s.fallback.ListByUser(ctx, userID, limit, offset)
	}
	return jobs, err
}

func (s *FailoverStore) ListByState(ctx domain.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	jobs, err := s.active().ListByState(ctx, status, limit)
	if infraFailure(err) {
		s.markDegraded(err)
		return s.fallback.ListByState(ctx, status, limit)
	}
	return jobs, err
}

func (s *FailoverStore) EnqueueDelayed(ctx domain.Context, id string, dueAt time.Time) error {
	err := s.active().EnqueueDelayed(ctx, id, dueAt)
	if infraFailure(err) {
		s.markDegraded(err)
		return s.fallback.EnqueueDelayed(ctx, id, dueAt)
	}
	return err
}

func (s *FailoverStore) PromoteDue(ctx domain.Context, now time.Time) (int, error) {
	n, err := s.active().PromoteDue(ctx, now)
	if infraFailure(err) {
		s.markDegraded(err)
		return s.fallback.PromoteDue(ctx, now)
	}
	return n, err
}

func (s *FailoverStore) Stats(ctx domain.Context, queue string) (domain.QueueStats, error) {
	st, err := s.active().Stats(ctx, queue)
	if infraFailure(err) {
		s.markDegraded(err)
		return s.fallback.Stats(ctx, queue)
	}
	return st, err
}

func (s *FailoverStore) CleanupTerminal(ctx domain.Context, olderThan time.Time) (int, error) {
	n, err := s.active().CleanupTerminal(ctx, olderThan)
	if infraFailure(err) {
		s.markDegraded(err)
		return s.fallback.CleanupTerminal(ctx, olderThan)
	}
	return n, err
}

func (s *FailoverStore) Ping(ctx domain.Context) error {
	err := s.active().Ping(ctx)
	if infraFailure(err) {
		s.markDegraded(err)
		return s.fallback.Ping(ctx)
	}
	return err
}

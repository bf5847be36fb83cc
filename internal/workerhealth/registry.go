// Package workerhealth tracks worker liveness and per-worker statistics.
//
// The registry holds only data keyed by worker id; workers hold a reference
// to the registry and mutate only their own entry, while the scheduler reads
// snapshots to drive replacements.
package workerhealth

import (
	"log/slog"
	"sync"
	"time"

	"github.com/scribehq/notegen/internal/adapter/observability"
	"github.com/scribehq/notegen/internal/domain"
)

// Registry is an in-memory worker health registry safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*domain.WorkerDescriptor

	staleThreshold   time.Duration
	failureLimit     int
	now              func() time.Time
}

// New constructs a Registry. staleThreshold bounds heartbeat age for a worker
// to count as healthy; failureLimit is the consecutive-failure cap after
// which a worker marks itself failed.
func New(staleThreshold time.Duration, failureLimit int) *Registry {
	if staleThreshold <= 0 {
		staleThreshold = 2 * time.Second
	}
	if failureLimit <= 0 {
		failureLimit = 5
	}
	return &Registry{
		workers:        map[string]*domain.WorkerDescriptor{},
		staleThreshold: staleThreshold,
		failureLimit:   failureLimit,
		now:            time.Now,
	}
}

// FailureLimit returns the configured consecutive-failure cap.
func (r *Registry) FailureLimit() int { return r.failureLimit }

// Register adds a worker or resets an existing entry's counters. Idempotent.
func (r *Registry) Register(workerID string, variant domain.WorkerVariant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.workers[workerID] = &domain.WorkerDescriptor{
		ID:               workerID,
		Variant:          variant,
		RegistrationTime: now,
		LastHeartbeat:    now,
		IsActive:         true,
	}
	observability.SetActiveWorkers(string(variant), r.activeCountLocked(variant))
	slog.Info("worker registered", slog.String("worker_id", workerID), slog.String("variant", string(variant)))
}

// Heartbeat refreshes the worker's liveness timestamp. Unknown ids are a no-op.
func (r *Registry) Heartbeat(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.LastHeartbeat = r.now()
	}
}

// RecordJob accumulates per-worker statistics. Success resets the
// consecutive-failure counter; failure increments it.
func (r *Registry) RecordJob(workerID string, success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	if success {
		w.TotalProcessed++
		w.ConsecutiveFailures = 0
	} else {
		w.TotalFailed++
		w.ConsecutiveFailures++
	}
	observability.ObserveWorkerJob(string(w.Variant), success, duration)
}

// ConsecutiveFailures returns the worker's current consecutive-failure count.
func (r *Registry) ConsecutiveFailures(workerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.workers[workerID]; ok {
		return w.ConsecutiveFailures
	}
	return 0
}

// Deactivate marks the worker inactive and failed. Irreversible for that id.
func (r *Registry) Deactivate(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	w.IsActive = false
	w.IsFailed = true
	observability.SetActiveWorkers(string(w.Variant), r.activeCountLocked(w.Variant))
	slog.Warn("worker deactivated",
		slog.String("worker_id", workerID),
		slog.Int("consecutive_failures", w.ConsecutiveFailures),
		slog.Int64("total_processed", w.TotalProcessed),
		slog.Int64("total_failed", w.TotalFailed))
}

// IsHealthy reports whether the worker is active, not failed, and has a
// fresh heartbeat.
func (r *Registry) IsHealthy(workerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return false
	}
	return w.IsActive && !w.IsFailed && r.now().Sub(w.LastHeartbeat) < r.staleThreshold
}

// ActiveCount returns the number of active workers across all variants.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, w := range r.workers {
		if w.IsActive {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of all descriptors for observability.
func (r *Registry) Snapshot() []domain.WorkerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.WorkerDescriptor, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

// Remove drops a deactivated worker's entry; the scheduler calls this after
// launching a replacement so the registry does not grow unbounded.
func (r *Registry) Remove(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, workerID)
}

func (r *Registry) activeCountLocked(variant domain.WorkerVariant) int {
	n := 0
	for _, w := range r.workers {
		if w.IsActive && w.Variant == variant {
			n++
		}
	}
	return n
}

// SetNowFunc overrides the registry clock. Tests only.
func (r *Registry) SetNowFunc(f func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = f
}

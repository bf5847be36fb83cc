package jobstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scribehq/notegen/internal/domain"
)

// MemoryStore is an in-process JobStore. It backs tests and serves as the
// fallback when Redis is unreachable; semantics match RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]domain.Job
	queues  map[string][]string // tail at index 0, head at the end
	delayed map[string]time.Time
	byUser  map[string][]string // newest first
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]domain.Job),
		queues:  make(map[string][]string),
		delayed: make(map[string]time.Time),
		byUser:  make(map[string][]string),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) PutNew(_ domain.Context, j domain.Job) error {
	if j.ID == "" || j.UserID == "" || j.Queue == "" {
		return fmt.Errorf("op=jobstore.put_new: %w: missing id, user, or queue", domain.ErrInvalidArgument)
	}
	if j.Status != domain.JobQueued {
		return fmt.Errorf("op=jobstore.put_new: %w: new jobs must be queued", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return fmt.Errorf("op=jobstore.put_new: %w: job %s", domain.ErrConflict, j.ID)
	}
	s.jobs[j.ID] = j
	s.queues[j.Queue] = append([]string{j.ID}, s.queues[j.Queue]...)
	s.byUser[j.UserID] = append([]string{j.ID}, s.byUser[j.UserID]...)
	return nil
}

func (s *MemoryStore) Get(_ domain.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=jobstore.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (s *MemoryStore) CASUpdate(_ domain.Context, id string, expected domain.JobStatus, mutate func(*domain.Job)) (domain.CASResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return domain.CASNotFound, nil
	}
	if cur.Status != expected {
		return domain.CASConflict, nil
	}
	next := cur
	mutate(&next)
	if next.ID != cur.ID || next.UserID != cur.UserID {
		return domain.CASConflict, fmt.Errorf("op=jobstore.cas_update: %w: mutator changed identity", domain.ErrInvalidArgument)
	}
	if next.Status.Terminal() && next.CompletedAt == nil {
		t := s.now().UTC()
		next.CompletedAt = &t
	}
	if expected == domain.JobQueued && next.Status != domain.JobQueued {
		s.removeFromQueueLocked(cur.Queue, id)
	}
	if next.Status != domain.JobQueued {
		// A job parked for a delayed retry that leaves queued (cancel,
		// cleanup) must not be promoted back onto its queue later.
		delete(s.delayed, id)
	}
	s.jobs[id] = next
	return domain.CASOK, nil
}

func (s *MemoryStore) removeFromQueueLocked(queue, id string) {
	q := s.queues[queue]
	for i, v := range q {
		if v == id {
			s.queues[queue] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) PopNext(_ domain.Context, queue string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		q := s.queues[queue]
		if len(q) == 0 {
			return domain.Job{}, fmt.Errorf("op=jobstore.pop_next: %w", domain.ErrNotFound)
		}
		id := q[len(q)-1]
		s.queues[queue] = q[:len(q)-1]
		j, ok := s.jobs[id]
		if !ok || j.Status != domain.JobQueued {
			continue // dangling or no longer queued, skip
		}
		started := s.now().UTC()
		j.Status = domain.JobProcessing
		j.StartedAt = &started
		s.jobs[id] = j
		return j, nil
	}
}

func (s *MemoryStore) ListByUser(_ domain.Context, userID string, limit, offset int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byUser[userID]
	if offset >= len(ids) {
		return []domain.Job{}, nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	jobs := make([]domain.Job, 0, end-offset)
	for _, id := range ids[offset:end] {
		if j, ok := s.jobs[id]; ok {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (s *MemoryStore) ListByState(_ domain.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]domain.Job, 0)
	for _, j := range s.jobs {
		if j.Status == status {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) EnqueueDelayed(_ domain.Context, id string, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayed[id] = dueAt
	return nil
}

func (s *MemoryStore) PromoteDue(_ domain.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]string, 0)
	for id, at := range s.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	// Promote oldest-due first so re-entry order is deterministic.
	sort.Slice(due, func(a, b int) bool {
		if s.delayed[due[a]].Equal(s.delayed[due[b]]) {
			return due[a] < due[b]
		}
		return s.delayed[due[a]].Before(s.delayed[due[b]])
	})
	moved := 0
	for _, id := range due {
		delete(s.delayed, id)
		j, ok := s.jobs[id]
		if !ok || j.Status != domain.JobQueued {
			continue
		}
		s.queues[j.Queue] = append([]string{id}, s.queues[j.Queue]...)
		moved++
	}
	return moved, nil
}

func (s *MemoryStore) Stats(_ domain.Context, queue string) (domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := domain.QueueStats{QueueName: queue}
	q := s.queues[queue]
	st.Size = int64(len(q))
	if len(q) > 0 {
		if j, ok := s.jobs[q[len(q)-1]]; ok {
			t := j.CreatedAt
			st.OldestJobCreatedAt = &t
		}
	}
	return st, nil
}

func (s *MemoryStore) CleanupTerminal(_ domain.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, j := range s.jobs {
		if !j.Status.Terminal() || j.CompletedAt == nil || j.CompletedAt.After(olderThan) {
			continue
		}
		delete(s.jobs, id)
		ids := s.byUser[j.UserID]
		for i, v := range ids {
			if v == id {
				s.byUser[j.UserID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) Ping(_ domain.Context) error { return nil }

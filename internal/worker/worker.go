// Package worker implements the managed queue workers. Both variants share
// one drain loop; only the per-job run function differs.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/scribehq/notegen/internal/adapter/observability"
	"github.com/scribehq/notegen/internal/domain"
	obsctx "github.com/scribehq/notegen/internal/observability"
	"github.com/scribehq/notegen/internal/workerhealth"
)

// RetryScheduler hands a failed attempt to the retry policy: either the job
// is requeued with a delay (true) or it is terminally failed (false).
type RetryScheduler interface {
	IncrementRetryWithCategory(ctx domain.Context, jobID string, category domain.ErrorCategory, lastErr string) (bool, error)
}

// runFunc processes one popped job and returns its output map.
type runFunc func(ctx domain.Context, j domain.Job) (map[string]any, error)

// Deps carries everything a worker variant may need. Text workers leave the
// audio fields nil.
type Deps struct {
	Store       domain.JobStore
	Registry    *workerhealth.Registry
	Retries     RetryScheduler
	Agent       domain.AgentClient
	Transcriber domain.TranscriberClient
	Blobs       domain.BlobStore
	Transcripts domain.TranscriptRepository
	Notes       domain.NoteRepository
	Events      domain.EventPublisher
	Logger      *slog.Logger

	AttemptTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxAudioBytes     int64
	MinAudioBytes     int64
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.AttemptTimeout <= 0 {
		d.AttemptTimeout = 60 * time.Second
	}
	if d.HeartbeatInterval <= 0 {
		d.HeartbeatInterval = time.Second
	}
}

// Worker drains one queue. Each ProcessOnce call heartbeats, pops at most
// one job, and drives it through its state machine.
type Worker struct {
	id      string
	variant domain.WorkerVariant
	queue   string
	deps    Deps
	run     runFunc
	stopped atomic.Bool
	now     func() time.Time
}

func newWorker(id string, variant domain.WorkerVariant, queue string, deps Deps, run runFunc) *Worker {
	deps.defaults()
	return &Worker{
		id:      id,
		variant: variant,
		queue:   queue,
		deps:    deps,
		run:     run,
		now:     time.Now,
	}
}

func (w *Worker) ID() string                    { return w.id }
func (w *Worker) Variant() domain.WorkerVariant { return w.variant }
func (w *Worker) Queue() string                 { return w.queue }

// Stopped reports whether the worker has deactivated itself.
func (w *Worker) Stopped() bool { return w.stopped.Load() }

// ProcessOnce runs one tick: heartbeat, pop, process. An empty queue is not
// an error. Failures escaping the per-job block count against the worker's
// consecutive-failure limit; reaching it deactivates the worker.
func (w *Worker) ProcessOnce(ctx domain.Context) error {
	if w.stopped.Load() {
		return nil
	}
	w.deps.Registry.Heartbeat(w.id)

	j, err := w.deps.Store.PopNext(ctx, w.queue)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		w.recordFailure(0)
		return err
	}

	observability.StartProcessingJob(string(j.Type))
	start := w.now()
	output, runErr := w.runWithTimeout(ctx, j)
	elapsed := w.now().Sub(start)
	// An attempt may outlast the stale threshold; refresh liveness before the
	// scheduler's health check sees this worker again.
	w.deps.Registry.Heartbeat(w.id)

	if runErr == nil {
		w.complete(ctx, j, output, elapsed)
		return nil
	}
	w.fail(ctx, j, runErr, elapsed)
	return nil
}

// runWithTimeout enforces the per-attempt wall clock around the upstream
// calls. The job may carry its own override.
func (w *Worker) runWithTimeout(ctx domain.Context, j domain.Job) (map[string]any, error) {
	timeout := w.deps.AttemptTimeout
	if j.AttemptTimeout > 0 {
		timeout = j.AttemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Keep heartbeating while the attempt runs so long upstream calls do not
	// starve the liveness signal.
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(w.deps.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				w.deps.Registry.Heartbeat(w.id)
			}
		}
	}()

	return w.run(attemptCtx, j)
}

func (w *Worker) complete(ctx domain.Context, j domain.Job, output map[string]any, elapsed time.Duration) {
	lg := obsctx.JobLogger(ctx, j.ID, string(j.Type)).With(slog.String("worker_id", w.id))
	res, err := w.deps.Store.CASUpdate(ctx, j.ID, domain.JobProcessing, func(job *domain.Job) {
		job.Status = domain.JobCompleted
		job.Output = output
		job.Error = ""
	})
	if err != nil {
		lg.Error("completion cas failed", slog.String("error", err.Error()))
		w.recordFailure(elapsed)
		return
	}
	if res != domain.CASOK {
		// Another controller transitioned the job concurrently; drop our result.
		lg.Warn("completion cas conflict, dropping result")
		return
	}
	observability.CompleteJob(string(j.Type))
	w.deps.Registry.RecordJob(w.id, true, elapsed)
	w.publish(ctx, j, domain.JobCompleted, "")
	lg.Info("job completed", slog.Int64("processing_ms", elapsed.Milliseconds()))
}

func (w *Worker) fail(ctx domain.Context, j domain.Job, runErr error, elapsed time.Duration) {
	category := Classify(runErr)
	lg := obsctx.JobLogger(ctx, j.ID, string(j.Type)).With(
		slog.String("worker_id", w.id),
		slog.String("category", string(category)))

	retryScheduled, err := w.deps.Retries.IncrementRetryWithCategory(ctx, j.ID, category, runErr.Error())
	switch {
	case err != nil:
		// The job never transitioned; leave it processing for recovery and
		// keep the blob for the next attempt.
		lg.Error("retry scheduling failed", slog.String("error", err.Error()))
	case retryScheduled:
		observability.RetryJob(string(j.Type), string(category))
		lg.Warn("attempt failed, retry scheduled", slog.String("error", runErr.Error()))
	default:
		observability.FailJob(string(j.Type), string(category))
		w.publish(ctx, j, domain.JobFailed, runErr.Error())
		// A terminally failed audio job will never reread its blob.
		if ref, _ := j.Input["audioBlobRef"].(string); ref != "" && w.deps.Blobs != nil {
			w.cleanupBlob(ctx, ref)
		}
		lg.Warn("job terminally failed", slog.String("error", runErr.Error()))
	}
	w.recordFailure(elapsed)
}

// recordFailure counts one failure and deactivates the worker when the
// consecutive limit is reached. The scheduler spawns a replacement.
func (w *Worker) recordFailure(elapsed time.Duration) {
	w.deps.Registry.RecordJob(w.id, false, elapsed)
	if w.deps.Registry.ConsecutiveFailures(w.id) >= w.deps.Registry.FailureLimit() {
		w.deps.Registry.Deactivate(w.id)
		w.stopped.Store(true)
		w.deps.Logger.Error("worker reached consecutive failure limit, deactivating",
			slog.String("worker_id", w.id),
			slog.String("variant", string(w.variant)))
	}
}

func (w *Worker) publish(ctx domain.Context, j domain.Job, status domain.JobStatus, errMsg string) {
	if w.deps.Events == nil {
		return
	}
	ev := domain.JobEvent{
		JobID:     j.ID,
		UserID:    j.UserID,
		Type:      j.Type,
		Status:    status,
		Attempt:   j.AttemptCount,
		Error:     errMsg,
		Timestamp: w.now().UTC(),
	}
	if err := w.deps.Events.PublishJobEvent(ctx, ev); err != nil {
		w.deps.Logger.Warn("job event publish failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()))
	}
}

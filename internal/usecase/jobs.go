// Package usecase contains application business logic services.
package usecase

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/scribehq/notegen/internal/adapter/observability"
	"github.com/scribehq/notegen/internal/domain"
	"github.com/scribehq/notegen/internal/retrypolicy"
	"github.com/scribehq/notegen/pkg/textx"
)

// AdmissionGate is the slice of the degradation controller the service needs.
type AdmissionGate interface {
	Admit(t domain.JobType) error
	Level() domain.DegradationLevel
}

// JobService is the user-scoped façade over the job store: submission,
// status, listing, cancellation, and the retry verdict used by workers.
type JobService struct {
	store   domain.JobStore
	retries *retrypolicy.Engine
	gate    AdmissionGate
	events  domain.EventPublisher
	logger  *slog.Logger

	maxTextChars  int
	maxAttempts   int
	minAudioBytes int64
	maxAudioBytes int64

	now   func() time.Time
	newID func() string
}

// Limits bounds user-supplied inputs at submission time.
type Limits struct {
	MaxTextChars  int
	MaxAttempts   int
	MinAudioBytes int64
	MaxAudioBytes int64
}

func NewJobService(store domain.JobStore, retries *retrypolicy.Engine, gate AdmissionGate, events domain.EventPublisher, limits Limits, logger *slog.Logger) *JobService {
	if limits.MaxTextChars <= 0 {
		limits.MaxTextChars = 10000
	}
	if limits.MaxAttempts <= 0 {
		limits.MaxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{
		store:         store,
		retries:       retries,
		gate:          gate,
		events:        events,
		logger:        logger,
		maxTextChars:  limits.MaxTextChars,
		maxAttempts:   limits.MaxAttempts,
		minAudioBytes: limits.MinAudioBytes,
		maxAudioBytes: limits.MaxAudioBytes,
		now:           time.Now,
		newID: func() string {
			return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
		},
	}
}

// SetNowFunc overrides the clock; tests only.
func (s *JobService) SetNowFunc(f func() time.Time) { s.now = f }

// SetIDFunc overrides id generation; tests only.
func (s *JobService) SetIDFunc(f func() string) { s.newID = f }

// CreateJobInput carries a validated-at-the-edge submission. Audio fields are
// set only for audio_to_soap and transcription_only.
type CreateJobInput struct {
	UserID    string
	Type      domain.JobType
	SessionID string

	TextRaw string
	// TranscriptID links a text submission's note to an existing transcript.
	TranscriptID string

	AudioBlobRef     string
	OriginalFilename string
	ContentType      string
	SizeBytes        int64
}

// Create validates the submission, consults the admission gate, and enqueues
// a new job. The returned job is in the queued state.
func (s *JobService) Create(ctx domain.Context, in CreateJobInput) (domain.Job, error) {
	if in.UserID == "" {
		return domain.Job{}, fmt.Errorf("op=jobs.create: %w: user id required", domain.ErrInvalidArgument)
	}
	if !domain.ValidJobType(in.Type) {
		return domain.Job{}, fmt.Errorf("op=jobs.create: %w: unknown job type %q", domain.ErrInvalidArgument, textx.SafeLog(string(in.Type), 64))
	}

	input, err := s.buildInput(in)
	if err != nil {
		return domain.Job{}, err
	}

	if err := s.gate.Admit(in.Type); err != nil {
		return domain.Job{}, err
	}

	j := domain.Job{
		ID:           s.newID(),
		UserID:       in.UserID,
		Type:         in.Type,
		Queue:        domain.QueueForType(in.Type),
		Status:       domain.JobQueued,
		Input:        input,
		CreatedAt:    s.now().UTC(),
		MaxAttempts:  s.maxAttempts,
		SessionID:    in.SessionID,
		TranscriptID: in.TranscriptID,
	}
	if err := s.store.PutNew(ctx, j); err != nil {
		return domain.Job{}, err
	}

	observability.EnqueueJob(string(j.Type))
	s.publish(ctx, j, "")
	s.logger.Info("job enqueued",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(j.Type)),
		slog.String("queue", j.Queue),
	)
	return j, nil
}

func (s *JobService) buildInput(in CreateJobInput) (map[string]any, error) {
	switch in.Type {
	case domain.JobTypeTextToSOAP, domain.JobTypeCacheWarming:
		text := in.TextRaw
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("op=jobs.create: %w: textRaw required", domain.ErrInvalidArgument)
		}
		if n := utf8.RuneCountInString(text); n > s.maxTextChars {
			return nil, fmt.Errorf("op=jobs.create: %w: textRaw is %d chars, limit %d", domain.ErrInvalidArgument, n, s.maxTextChars)
		}
		return map[string]any{"textRaw": text}, nil

	case domain.JobTypeAudioToSOAP, domain.JobTypeTranscriptionOnly:
		if in.AudioBlobRef == "" {
			return nil, fmt.Errorf("op=jobs.create: %w: audio blob ref required", domain.ErrInvalidArgument)
		}
		if !domain.AudioTypeAllowed(in.ContentType) {
			return nil, fmt.Errorf("op=jobs.create: %w: unsupported content type %q", domain.ErrInvalidArgument, textx.SafeLog(in.ContentType, 64))
		}
		if s.minAudioBytes > 0 && in.SizeBytes < s.minAudioBytes {
			return nil, fmt.Errorf("op=jobs.create: %w: audio of %d bytes below minimum %d", domain.ErrInvalidArgument, in.SizeBytes, s.minAudioBytes)
		}
		if s.maxAudioBytes > 0 && in.SizeBytes > s.maxAudioBytes {
			return nil, fmt.Errorf("op=jobs.create: %w: audio of %d bytes above maximum %d", domain.ErrInvalidArgument, in.SizeBytes, s.maxAudioBytes)
		}
		return map[string]any{
			"audioBlobRef":     in.AudioBlobRef,
			"originalFilename": textx.SanitizeText(in.OriginalFilename),
			"contentType":      in.ContentType,
			"sizeBytes":        in.SizeBytes,
		}, nil
	}
	return nil, fmt.Errorf("op=jobs.create: %w: unknown job type", domain.ErrInvalidArgument)
}

// Status returns the job iff it belongs to userID. A job owned by someone
// else is indistinguishable from a missing one.
func (s *JobService) Status(ctx domain.Context, userID, jobID string) (domain.Job, error) {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.UserID != userID {
		return domain.Job{}, fmt.Errorf("op=jobs.status: %w: job %s", domain.ErrNotFound, jobID)
	}
	return j, nil
}

// List returns the user's jobs newest first. Limit is capped at 100.
func (s *JobService) List(ctx domain.Context, userID string, limit, offset int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListByUser(ctx, userID, limit, offset)
}

// Cancel moves a queued job to cancelled. It reports false without error when
// the job has already left the queued state.
func (s *JobService) Cancel(ctx domain.Context, userID, jobID string) (bool, error) {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if j.UserID != userID {
		return false, fmt.Errorf("op=jobs.cancel: %w: job %s", domain.ErrNotFound, jobID)
	}

	res, err := s.store.CASUpdate(ctx, jobID, domain.JobQueued, func(j *domain.Job) {
		j.Status = domain.JobCancelled
	})
	if err != nil {
		return false, err
	}
	switch res {
	case domain.CASOK:
		observability.CancelJob(string(j.Type))
		j.Status = domain.JobCancelled
		s.publish(ctx, j, "")
		return true, nil
	case domain.CASNotFound:
		return false, fmt.Errorf("op=jobs.cancel: %w: job %s", domain.ErrNotFound, jobID)
	default:
		return false, nil
	}
}

// QueueStats reports depth and head age for one queue.
func (s *JobService) QueueStats(ctx domain.Context, queue string) (domain.QueueStats, error) {
	return s.store.Stats(ctx, queue)
}

// Level exposes the current degradation level for response annotation.
func (s *JobService) Level() domain.DegradationLevel {
	return s.gate.Level()
}

// IncrementRetryWithCategory asks the policy engine for a verdict on a failed
// processing attempt and applies it: either the job re-enters its queue after
// the backoff delay, or it lands in failed. Reports whether a retry was
// scheduled.
func (s *JobService) IncrementRetryWithCategory(ctx domain.Context, jobID string, category domain.ErrorCategory, lastErr string) (bool, error) {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}

	lastErr = textx.SanitizeText(lastErr)
	decision := s.retries.Decide(j, category, lastErr)

	if !decision.Retry {
		res, err := s.store.CASUpdate(ctx, jobID, domain.JobProcessing, func(j *domain.Job) {
			j.Status = domain.JobFailed
			j.Error = decision.Reason
			j.LastErrorCategory = category
		})
		if err != nil {
			return false, err
		}
		if res != domain.CASOK {
			s.logger.Warn("terminal failure lost cas race",
				slog.String("job_id", jobID),
				slog.String("cas_result", casResultString(res)),
			)
			return false, nil
		}
		j.Status = domain.JobFailed
		j.Error = decision.Reason
		s.publish(ctx, j, decision.Reason)
		return false, nil
	}

	dueAt := s.now().Add(decision.Delay)
	res, err := s.store.CASUpdate(ctx, jobID, domain.JobProcessing, func(j *domain.Job) {
		j.Status = domain.JobQueued
		j.AttemptCount++
		j.Error = lastErr
		j.LastErrorCategory = category
		j.NextEligibleAt = dueAt
	})
	if err != nil {
		return false, err
	}
	if res != domain.CASOK {
		s.logger.Warn("retry scheduling lost cas race",
			slog.String("job_id", jobID),
			slog.String("cas_result", casResultString(res)),
		)
		return false, nil
	}
	if err := s.store.EnqueueDelayed(ctx, jobID, dueAt); err != nil {
		return false, fmt.Errorf("op=jobs.retry: park delayed: %w", err)
	}
	s.logger.Info("retry scheduled",
		slog.String("job_id", jobID),
		slog.String("category", string(category)),
		slog.Int("attempt", j.AttemptCount+1),
		slog.Duration("delay", decision.Delay),
	)
	return true, nil
}

func (s *JobService) publish(ctx domain.Context, j domain.Job, errMsg string) {
	if s.events == nil {
		return
	}
	ev := domain.JobEvent{
		JobID:     j.ID,
		UserID:    j.UserID,
		Type:      j.Type,
		Status:    j.Status,
		Attempt:   j.AttemptCount,
		Error:     errMsg,
		Timestamp: s.now().UTC(),
	}
	if err := s.events.PublishJobEvent(ctx, ev); err != nil {
		s.logger.Warn("job event publish failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
}

func casResultString(r domain.CASResult) string {
	switch r {
	case domain.CASOK:
		return "ok"
	case domain.CASConflict:
		return "conflict"
	default:
		return "not_found"
	}
}

// Package domain defines the core entities, ports, and error taxonomy for
// the note-generation backend.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrAdmissionRefused    = errors.New("admission refused")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamRateLimit   = errors.New("upstream rate limit")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamSemantic    = errors.New("upstream semantic error")
	ErrInternal            = errors.New("internal error")
)

// JobType enumerates the supported job types.
type JobType string

const (
	JobTypeTextToSOAP        JobType = "text_to_soap"
	JobTypeAudioToSOAP       JobType = "audio_to_soap"
	JobTypeTranscriptionOnly JobType = "transcription_only"
	JobTypeCacheWarming      JobType = "cache_warming"
)

// Default queue names per job type. cache_warming shares the text pool.
const (
	QueueTextProcessing    = "text_processing"
	QueueAudioProcessing   = "audio_processing"
	QueueTranscriptionOnly = "transcription_only"
)

// QueueForType maps a job type to its queue name.
func QueueForType(t JobType) string {
	switch t {
	case JobTypeAudioToSOAP:
		return QueueAudioProcessing
	case JobTypeTranscriptionOnly:
		return QueueTranscriptionOnly
	default:
		return QueueTextProcessing
	}
}

// ValidJobType reports whether t is a known job type.
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeTextToSOAP, JobTypeAudioToSOAP, JobTypeTranscriptionOnly, JobTypeCacheWarming:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is the central unit of work.
// Invariants: UserID immutable after creation; state moves only forward
// (queued -> processing -> terminal), except that a failed attempt may return
// to queued while AttemptCount < MaxAttempts; AttemptCount never decreases.
type Job struct {
	ID        string
	UserID    string
	Type      JobType
	Queue     string
	Status    JobStatus
	Input     map[string]any
	Output    map[string]any
	Error     string
	CreatedAt time.Time
	StartedAt *time.Time
	// CompletedAt is set on entering any terminal state.
	CompletedAt *time.Time

	AttemptCount int
	MaxAttempts  int

	SessionID    string
	TranscriptID string

	// NextEligibleAt gates delayed retries; zero means immediately eligible.
	NextEligibleAt    time.Time
	LastErrorCategory ErrorCategory

	// AttemptTimeout overrides the per-attempt wall-clock timeout when > 0.
	AttemptTimeout time.Duration
}

// Transcript is the persisted output of the transcription upstream.
type Transcript struct {
	ID               string
	UserID           string
	Text             string
	OriginalFilename string
	SessionID        string
	CreatedAt        time.Time
}

// Note is a persisted structured SOAP note.
type Note struct {
	ID             string
	UserID         string
	TextRaw        string
	TextStructured string
	SessionID      string
	TranscriptID   string
	CreatedAt      time.Time
}

// WorkerVariant identifies which queue family a worker drains.
type WorkerVariant string

const (
	WorkerVariantText  WorkerVariant = "text"
	WorkerVariantAudio WorkerVariant = "audio"
)

// WorkerDescriptor is the health registry's view of a worker.
type WorkerDescriptor struct {
	ID                  string
	Variant             WorkerVariant
	RegistrationTime    time.Time
	LastHeartbeat       time.Time
	TotalProcessed      int64
	TotalFailed         int64
	ConsecutiveFailures int
	IsActive            bool
	IsFailed            bool
}

// ProbeStatus is the health of a single probed dependency.
type ProbeStatus string

const (
	ProbeUp       ProbeStatus = "up"
	ProbeDegraded ProbeStatus = "degraded"
	ProbeDown     ProbeStatus = "down"
)

// DegradationLevel grades aggregate system health and governs admission.
type DegradationLevel int

const (
	DegradationNormal DegradationLevel = iota
	DegradationMinor
	DegradationMajor
	DegradationCritical
)

func (l DegradationLevel) String() string {
	switch l {
	case DegradationNormal:
		return "normal"
	case DegradationMinor:
		return "minor"
	case DegradationMajor:
		return "major"
	case DegradationCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// UpstreamHealth is the rolling view of one probed dependency.
type UpstreamHealth struct {
	Name        string
	Status      ProbeStatus
	LastProbeAt time.Time
	LatencyMs   float64
	ErrorRate   float64
}

// SystemHealth aggregates per-dependency health and the derived level.
type SystemHealth struct {
	Level     DegradationLevel
	Upstreams []UpstreamHealth
}

// QueueStats is the operator-facing view of one queue.
type QueueStats struct {
	QueueName string `json:"queueName"`
	Size      int64  `json:"size"`
	// OldestJobCreatedAt is nil when the queue is empty.
	OldestJobCreatedAt *time.Time `json:"oldestJobCreatedAt,omitempty"`
}

// CASResult is the outcome of a compare-and-swap state transition.
type CASResult int

const (
	CASOK CASResult = iota
	CASConflict
	CASNotFound
)

// JobStore is the durable mapping job id -> record plus named FIFO queues and
// a delayed index. PopNext is linearizable with respect to other pops; no two
// concurrent pops return the same job.
type JobStore interface {
	PutNew(ctx Context, j Job) error
	Get(ctx Context, id string) (Job, error)
	// CASUpdate applies mutate to the job iff its observed status equals
	// expected. The mutator must not change ID or UserID.
	CASUpdate(ctx Context, id string, expected JobStatus, mutate func(*Job)) (CASResult, error)
	// PopNext atomically moves the queue head from queued to processing and
	// stamps StartedAt. Returns ErrNotFound when the queue is empty.
	PopNext(ctx Context, queue string) (Job, error)
	ListByUser(ctx Context, userID string, limit, offset int) ([]Job, error)
	ListByState(ctx Context, status JobStatus, limit int) ([]Job, error)
	// EnqueueDelayed parks the job id until dueAt; PromoteDue moves all due
	// ids back onto their queues (at the tail) and returns the count.
	EnqueueDelayed(ctx Context, id string, dueAt time.Time) error
	PromoteDue(ctx Context, now time.Time) (int, error)
	Stats(ctx Context, queue string) (QueueStats, error)
	CleanupTerminal(ctx Context, olderThan time.Time) (int, error)
	Ping(ctx Context) error
}

// TranscriptRepository persists finalized transcripts.
type TranscriptRepository interface {
	Create(ctx Context, t Transcript) (string, error)
	Get(ctx Context, id string) (Transcript, error)
}

// NoteRepository persists finalized SOAP notes.
type NoteRepository interface {
	Create(ctx Context, n Note) (string, error)
	Get(ctx Context, id string) (Note, error)
}

// AgentHealth is the agent service's health probe response.
type AgentHealth struct {
	Status         string
	Model          string
	ModelAvailable bool
}

// AgentClient is the text-structuring upstream.
type AgentClient interface {
	FormatNote(ctx Context, text string) (string, error)
	Health(ctx Context) (AgentHealth, error)
}

// TranscriberHealth is the transcription service's health probe response.
type TranscriberHealth struct {
	Status      string
	ModelLoaded bool
}

// TranscriptionResult is the transcription upstream's successful response.
type TranscriptionResult struct {
	Transcript   string
	TranscriptID string
}

// TranscriberClient is the speech-to-text upstream.
type TranscriberClient interface {
	Transcribe(ctx Context, filename string, audio []byte) (TranscriptionResult, error)
	Health(ctx Context) (TranscriberHealth, error)
}

// BlobStore stores audio temporaries referenced by job inputs.
type BlobStore interface {
	Put(ctx Context, data []byte) (ref string, err error)
	Get(ctx Context, ref string) ([]byte, error)
	Delete(ctx Context, ref string) error
}

// JobEvent is a lifecycle transition published for audit pipelines.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	Type      JobType   `json:"type"`
	Status    JobStatus `json:"status"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher emits job lifecycle events best-effort.
type EventPublisher interface {
	PublishJobEvent(ctx Context, ev JobEvent) error
}

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context

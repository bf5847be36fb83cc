package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/scribehq/notegen/internal/config"
	"github.com/scribehq/notegen/internal/domain"
	"github.com/scribehq/notegen/internal/usecase"
	"github.com/scribehq/notegen/pkg/textx"
)

// HealthSource is the degradation controller surface the handlers need.
type HealthSource interface {
	Level() domain.DegradationLevel
	Snapshot() domain.SystemHealth
}

// WorkerSource exposes the worker registry to the operator surface.
type WorkerSource interface {
	Snapshot() []domain.WorkerDescriptor
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Jobs     *usecase.JobService
	Blobs    domain.BlobStore
	Health   HealthSource
	Registry WorkerSource
	// StoreCheck backs /readyz; nil means always ready.
	StoreCheck func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type createJobRequest struct {
	Type         string `json:"type" validate:"required,oneof=text_to_soap cache_warming"`
	TextRaw      string `json:"textRaw" validate:"required"`
	SessionID    string `json:"sessionId" validate:"omitempty,max=128"`
	TranscriptID string `json:"transcriptId" validate:"omitempty,max=128"`
}

type jobResponse struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Status        string         `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	AttemptCount  int            `json:"attemptCount"`
	MaxAttempts   int            `json:"maxAttempts"`
	SessionID     string         `json:"sessionId,omitempty"`
	TranscriptID  string         `json:"transcriptId,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorCategory string         `json:"errorCategory,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:            j.ID,
		Type:          string(j.Type),
		Status:        string(j.Status),
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		AttemptCount:  j.AttemptCount,
		MaxAttempts:   j.MaxAttempts,
		SessionID:     j.SessionID,
		TranscriptID:  j.TranscriptID,
		Output:        j.Output,
		Error:         j.Error,
		ErrorCategory: string(j.LastErrorCategory),
	}
}

// userID extracts the authenticated user injected by the edge auth layer.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-Id"))
}

func writeUnauthenticated(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
		Code:    "UNAUTHENTICATED",
		Message: "X-User-Id header required",
	}})
}

// annotateDegradation surfaces a degraded-but-admitting system to clients.
func (s *Server) annotateDegradation(w http.ResponseWriter) {
	if s.Health == nil {
		return
	}
	if lvl := s.Health.Level(); lvl > domain.DegradationNormal {
		w.Header().Set("X-Degradation-Level", lvl.String())
	}
}

// CreateJobHandler accepts text submissions as JSON and audio submissions as
// multipart/form-data with an "audio" file part.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		if uid == "" {
			writeUnauthenticated(w)
			return
		}
		if strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			s.createAudioJob(w, r, uid)
			return
		}
		s.createTextJob(w, r, uid)
	}
}

func (s *Server) createTextJob(w http.ResponseWriter, r *http.Request, uid string) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err), nil)
		return
	}
	if err := getValidator().Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
		return
	}

	j, err := s.Jobs.Create(r.Context(), usecase.CreateJobInput{
		UserID:       uid,
		Type:         domain.JobType(req.Type),
		TextRaw:      req.TextRaw,
		SessionID:    textx.SanitizeText(req.SessionID),
		TranscriptID: textx.SanitizeText(req.TranscriptID),
	})
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	s.annotateDegradation(w)
	writeJSON(w, http.StatusAccepted, toJobResponse(j))
}

func (s *Server) createAudioJob(w http.ResponseWriter, r *http.Request, uid string) {
	maxBytes := s.Cfg.MaxAudioBytes
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20))
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "too large") {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
				Code:    "INVALID_ARGUMENT",
				Message: "audio payload too large",
				Details: map[string]any{"maxBytes": maxBytes},
			}})
			return
		}
		writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
		return
	}

	jobType := domain.JobType(r.FormValue("type"))
	if jobType == "" {
		jobType = domain.JobTypeAudioToSOAP
	}
	if jobType != domain.JobTypeAudioToSOAP && jobType != domain.JobTypeTranscriptionOnly {
		writeError(w, r, fmt.Errorf("%w: multipart submissions accept audio job types only", domain.ErrInvalidArgument), nil)
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: audio file required", domain.ErrInvalidArgument), map[string]string{"field": "audio"})
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: audio read: %v", domain.ErrInvalidArgument, err), nil)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(data).String()
	}
	if !domain.AudioTypeAllowed(contentType) {
		writeError(w, r, fmt.Errorf("%w: unsupported audio type %s", domain.ErrInvalidArgument, textx.SafeLog(contentType, 64)), map[string]any{
			"allowed": domain.AllowedAudioTypes(),
		})
		return
	}

	ref, err := s.Blobs.Put(r.Context(), data)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	j, err := s.Jobs.Create(r.Context(), usecase.CreateJobInput{
		UserID:           uid,
		Type:             jobType,
		SessionID:        textx.SanitizeText(r.FormValue("sessionId")),
		AudioBlobRef:     ref,
		OriginalFilename: textx.SanitizeText(header.Filename),
		ContentType:      contentType,
		SizeBytes:        int64(len(data)),
	})
	if err != nil {
		// The blob is orphaned if the job was refused; drop it.
		_ = s.Blobs.Delete(r.Context(), ref)
		writeError(w, r, err, nil)
		return
	}
	s.annotateDegradation(w)
	writeJSON(w, http.StatusAccepted, toJobResponse(j))
}

// StatusHandler returns one job owned by the caller.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		if uid == "" {
			writeUnauthenticated(w)
			return
		}
		j, err := s.Jobs.Status(r.Context(), uid, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		s.annotateDegradation(w)
		writeJSON(w, http.StatusOK, toJobResponse(j))
	}
}

// ListHandler returns the caller's jobs newest first.
func (s *Server) ListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		if uid == "" {
			writeUnauthenticated(w)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		jobs, err := s.Jobs.List(r.Context(), uid, limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobResponse, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobResponse(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
	}
}

// CancelHandler cancels a queued job; anything further along is a conflict.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := userID(r)
		if uid == "" {
			writeUnauthenticated(w)
			return
		}
		id := chi.URLParam(r, "id")
		ok, err := s.Jobs.Cancel(r.Context(), uid, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !ok {
			writeError(w, r, fmt.Errorf("%w: job %s is no longer queued", domain.ErrConflict, id), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": string(domain.JobCancelled)})
	}
}

// HealthzHandler is the liveness probe.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler reports readiness: the job store must answer and the system
// must not be critically degraded.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.StoreCheck != nil {
			if err := s.StoreCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"reason": "job store unreachable",
				})
				return
			}
		}
		if s.Health != nil && s.Health.Level() == domain.DegradationCritical {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"reason": "system critically degraded",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

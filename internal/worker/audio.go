package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scribehq/notegen/internal/domain"
	"github.com/scribehq/notegen/pkg/textx"
)

// NewAudio builds a worker that drains the audio queue for audio_to_soap
// jobs. Transcription-only jobs share the control flow but stop after the
// transcript.
func NewAudio(id string, queue string, deps Deps) *Worker {
	if queue == "" {
		queue = domain.QueueAudioProcessing
	}
	w := newWorker(id, domain.WorkerVariantAudio, queue, deps, nil)
	w.run = w.runAudio
	return w
}

func (w *Worker) runAudio(ctx domain.Context, j domain.Job) (map[string]any, error) {
	const op = "worker.audio"
	blobRef, _ := j.Input["audioBlobRef"].(string)
	filename, _ := j.Input["originalFilename"].(string)
	contentType, _ := j.Input["contentType"].(string)
	sizeBytes := asInt64(j.Input["sizeBytes"])

	if blobRef == "" {
		return nil, fmt.Errorf("op=%s: %w: missing audioBlobRef", op, domain.ErrInvalidArgument)
	}
	if !domain.AudioTypeAllowed(contentType) {
		return nil, fmt.Errorf("op=%s: %w: unsupported content type %s",
			op, domain.ErrInvalidArgument, textx.SafeLog(contentType, 64))
	}
	if sizeBytes < w.deps.MinAudioBytes || sizeBytes > w.deps.MaxAudioBytes {
		return nil, fmt.Errorf("op=%s: %w: size %d outside [%d,%d]",
			op, domain.ErrInvalidArgument, sizeBytes, w.deps.MinAudioBytes, w.deps.MaxAudioBytes)
	}

	audio, err := w.deps.Blobs.Get(ctx, blobRef)
	if err != nil {
		return nil, fmt.Errorf("op=%s: fetch blob: %w", op, err)
	}

	totalStart := w.now()
	res, err := w.deps.Transcriber.Transcribe(ctx, filename, audio)
	if err != nil {
		return nil, err
	}
	transcriptionMS := w.now().Sub(totalStart).Milliseconds()

	transcript := domain.Transcript{
		ID:               res.TranscriptID,
		UserID:           j.UserID,
		Text:             res.Transcript,
		OriginalFilename: filename,
		SessionID:        j.SessionID,
		CreatedAt:        w.now().UTC(),
	}
	if transcript.ID == "" {
		transcript.ID = uuid.NewString()
	}
	transcriptID, err := w.deps.Transcripts.Create(ctx, transcript)
	if err != nil {
		return nil, fmt.Errorf("op=%s: persist transcript: %w", op, err)
	}

	if j.Type == domain.JobTypeTranscriptionOnly {
		// The transcript is the final artifact for this type.
		w.cleanupBlob(ctx, blobRef)
		return map[string]any{
			"transcript":          res.Transcript,
			"transcriptId":        transcriptID,
			"transcriptionTimeMs": transcriptionMS,
			"processingTimeMs":    w.now().Sub(totalStart).Milliseconds(),
			"workerId":            w.id,
		}, nil
	}

	structuringStart := w.now()
	structured, err := w.deps.Agent.FormatNote(ctx, res.Transcript)
	if err != nil {
		return nil, err
	}
	structuringMS := w.now().Sub(structuringStart).Milliseconds()

	note := domain.Note{
		ID:             uuid.NewString(),
		UserID:         j.UserID,
		TextRaw:        res.Transcript,
		TextStructured: structured,
		SessionID:      j.SessionID,
		TranscriptID:   transcriptID,
		CreatedAt:      w.now().UTC(),
	}
	noteID, err := w.deps.Notes.Create(ctx, note)
	if err != nil {
		return nil, fmt.Errorf("op=%s: persist note: %w", op, err)
	}

	w.cleanupBlob(ctx, blobRef)
	return map[string]any{
		"noteResponse": map[string]any{
			"id":             noteID,
			"textRaw":        res.Transcript,
			"textStructured": structured,
			"createdAt":      note.CreatedAt.Format(time.RFC3339),
		},
		"transcript":          res.Transcript,
		"transcriptId":        transcriptID,
		"transcriptionTimeMs": transcriptionMS,
		"structuringTimeMs":   structuringMS,
		"processingTimeMs":    w.now().Sub(totalStart).Milliseconds(),
		"workerId":            w.id,
	}, nil
}

func (w *Worker) cleanupBlob(ctx domain.Context, ref string) {
	if err := w.deps.Blobs.Delete(ctx, ref); err != nil {
		w.deps.Logger.Warn("audio blob cleanup failed",
			slog.String("ref", ref),
			slog.String("error", err.Error()))
	}
}

// asInt64 reads a numeric input value that may have round-tripped through
// JSON as float64.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

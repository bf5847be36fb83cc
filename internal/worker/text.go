package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scribehq/notegen/internal/domain"
)

// NewText builds a worker that drains the text queue: text_to_soap and
// cache_warming jobs.
func NewText(id string, deps Deps) *Worker {
	w := newWorker(id, domain.WorkerVariantText, domain.QueueTextProcessing, deps, nil)
	w.run = w.runText
	return w
}

func (w *Worker) runText(ctx domain.Context, j domain.Job) (map[string]any, error) {
	textRaw, _ := j.Input["textRaw"].(string)
	if strings.TrimSpace(textRaw) == "" {
		return nil, fmt.Errorf("op=worker.text: %w: empty textRaw", domain.ErrInvalidArgument)
	}

	start := w.now()
	structured, err := w.deps.Agent.FormatNote(ctx, textRaw)
	if err != nil {
		return nil, err
	}
	processingMS := w.now().Sub(start).Milliseconds()

	if j.Type == domain.JobTypeCacheWarming {
		// Warming runs exercise the agent path; there is nothing to persist.
		return map[string]any{
			"warmed":           true,
			"processingTimeMs": processingMS,
			"workerId":         w.id,
		}, nil
	}

	note := domain.Note{
		ID:             uuid.NewString(),
		UserID:         j.UserID,
		TextRaw:        textRaw,
		TextStructured: structured,
		SessionID:      j.SessionID,
		TranscriptID:   j.TranscriptID,
		CreatedAt:      w.now().UTC(),
	}
	noteID, err := w.deps.Notes.Create(ctx, note)
	if err != nil {
		return nil, fmt.Errorf("op=worker.text: persist note: %w", err)
	}

	return map[string]any{
		"noteResponse": map[string]any{
			"id":             noteID,
			"textRaw":        textRaw,
			"textStructured": structured,
			"createdAt":      note.CreatedAt.Format(time.RFC3339),
		},
		"inputText":        textRaw,
		"processingTimeMs": processingMS,
		"workerId":         w.id,
	}, nil
}

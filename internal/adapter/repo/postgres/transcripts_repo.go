package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/scribehq/notegen/internal/domain"
)

// TranscriptRepo persists finalized transcripts.
type TranscriptRepo struct{ Pool PgxPool }

func NewTranscriptRepo(p PgxPool) *TranscriptRepo { return &TranscriptRepo{Pool: p} }

// Create stores a transcript and returns its id (generates one if empty).
func (r *TranscriptRepo) Create(ctx domain.Context, t domain.Transcript) (string, error) {
	tracer := otel.Tracer("repo.transcripts")
	ctx, span := tracer.Start(ctx, "transcripts.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "transcripts"),
	)
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO transcripts (id, user_id, text, original_filename, session_id, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.Pool.Exec(ctx, q, id, t.UserID, t.Text, t.OriginalFilename, t.SessionID, createdAt)
	if err != nil {
		return "", fmt.Errorf("op=transcripts.create: %w", err)
	}
	return id, nil
}

// Get loads a transcript by id.
func (r *TranscriptRepo) Get(ctx domain.Context, id string) (domain.Transcript, error) {
	tracer := otel.Tracer("repo.transcripts")
	ctx, span := tracer.Start(ctx, "transcripts.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "transcripts"),
	)
	q := `SELECT id, user_id, text, original_filename, session_id, created_at FROM transcripts WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var t domain.Transcript
	if err := row.Scan(&t.ID, &t.UserID, &t.Text, &t.OriginalFilename, &t.SessionID, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transcript{}, fmt.Errorf("op=transcripts.get: %w: %s", domain.ErrNotFound, id)
		}
		return domain.Transcript{}, fmt.Errorf("op=transcripts.get: %w", err)
	}
	return t, nil
}

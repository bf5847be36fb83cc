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

// NoteRepo persists structured SOAP notes.
type NoteRepo struct{ Pool PgxPool }

func NewNoteRepo(p PgxPool) *NoteRepo { return &NoteRepo{Pool: p} }

// Create stores a note and returns its id (generates one if empty).
func (r *NoteRepo) Create(ctx domain.Context, n domain.Note) (string, error) {
	tracer := otel.Tracer("repo.notes")
	ctx, span := tracer.Start(ctx, "notes.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "notes"),
	)
	id := n.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO notes (id, user_id, text_raw, text_structured, session_id, transcript_id, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, id, n.UserID, n.TextRaw, n.TextStructured, n.SessionID, n.TranscriptID, createdAt)
	if err != nil {
		return "", fmt.Errorf("op=notes.create: %w", err)
	}
	return id, nil
}

// Get loads a note by id.
func (r *NoteRepo) Get(ctx domain.Context, id string) (domain.Note, error) {
	tracer := otel.Tracer("repo.notes")
	ctx, span := tracer.Start(ctx, "notes.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "notes"),
	)
	q := `SELECT id, user_id, text_raw, text_structured, session_id, transcript_id, created_at FROM notes WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var n domain.Note
	if err := row.Scan(&n.ID, &n.UserID, &n.TextRaw, &n.TextStructured, &n.SessionID, &n.TranscriptID, &n.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Note{}, fmt.Errorf("op=notes.get: %w: %s", domain.ErrNotFound, id)
		}
		return domain.Note{}, fmt.Errorf("op=notes.get: %w", err)
	}
	return n, nil
}

package observability_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scribehq/notegen/internal/observability"
)

func TestLoggerFromContextDefault(t *testing.T) {
	t.Parallel()
	lg := observability.LoggerFromContext(context.Background())
	assert.Equal(t, slog.Default(), lg)
}

func TestContextWithLoggerRoundTrip(t *testing.T) {
	t.Parallel()
	custom := slog.Default().With(slog.String("component", "test"))
	ctx := observability.ContextWithLogger(context.Background(), custom)
	assert.Same(t, custom, observability.LoggerFromContext(ctx))
}

func TestContextWithLoggerNilLogger(t *testing.T) {
	t.Parallel()
	ctx := observability.ContextWithLogger(context.Background(), nil)
	assert.Equal(t, slog.Default(), observability.LoggerFromContext(ctx))
}

func TestRequestIDRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := observability.ContextWithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", observability.RequestIDFromContext(ctx))
}

func TestRequestIDEmpty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, observability.RequestIDFromContext(context.Background()))
	ctx := observability.ContextWithRequestID(context.Background(), "")
	assert.Empty(t, observability.RequestIDFromContext(ctx))
}

func TestJobLoggerCarriesRequestID(t *testing.T) {
	t.Parallel()
	ctx := observability.ContextWithRequestID(context.Background(), "req-9")
	lg := observability.JobLogger(ctx, "job-1", "note_generation")
	assert.NotNil(t, lg)
}

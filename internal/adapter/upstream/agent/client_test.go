package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribehq/notegen/internal/config"
	"github.com/scribehq/notegen/internal/domain"
)

func newTestClient(url string) *Client {
	return New(config.Config{
		AgentURL:               url,
		UpstreamConnectTimeout: time.Second,
		UpstreamReadTimeout:    2 * time.Second,
	})
}

func TestFormatNoteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/format_note", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "patient presents with cough", req["text"])
		_ = json.NewEncoder(w).Encode(map[string]string{"structured_text": "S: cough\nO:\nA:\nP:"})
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).FormatNote(context.Background(), "patient presents with cough")
	require.NoError(t, err)
	assert.Equal(t, "S: cough\nO:\nA:\nP:", got)
}

func TestFormatNoteStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, domain.ErrUpstreamRateLimit},
		{"server error", http.StatusServiceUnavailable, domain.ErrUpstreamUnavailable},
		{"client error", http.StatusUnprocessableEntity, domain.ErrUpstreamSemantic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).FormatNote(context.Background(), "text")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFormatNoteConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	_, err := newTestClient(srv.URL).FormatNote(context.Background(), "text")
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestFormatNoteEmptyStructuredText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"structured_text": ""})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).FormatNote(context.Background(), "text")
	assert.ErrorIs(t, err, domain.ErrUpstreamSemantic)
}

func TestHealthParsesModelFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          "healthy",
			"model":           "gpt-4o-mini",
			"model_available": true,
		})
	}))
	defer srv.Close()

	h, err := newTestClient(srv.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "gpt-4o-mini", h.Model)
	assert.True(t, h.ModelAvailable)
}

func TestProbeModelUnavailableIsDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          "healthy",
			"model_available": false,
		})
	}))
	defer srv.Close()

	status, err := newTestClient(srv.URL).Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ProbeDegraded, status)
}

func TestProbeUnreachableIsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	status, err := newTestClient(srv.URL).Probe(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.ProbeDown, status)
}

func TestProbeUnhealthyStatusIsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "unhealthy"})
	}))
	defer srv.Close()

	status, err := newTestClient(srv.URL).Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ProbeDown, status)
}

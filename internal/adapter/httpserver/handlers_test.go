package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribehq/notegen/internal/adapter/blob"
	"github.com/scribehq/notegen/internal/adapter/httpserver"
	"github.com/scribehq/notegen/internal/adapter/jobstore"
	"github.com/scribehq/notegen/internal/app"
	"github.com/scribehq/notegen/internal/config"
	"github.com/scribehq/notegen/internal/domain"
	"github.com/scribehq/notegen/internal/retrypolicy"
	"github.com/scribehq/notegen/internal/usecase"
	"github.com/scribehq/notegen/internal/workerhealth"
)

type stubHealth struct {
	level domain.DegradationLevel
	err   error
}

func (h *stubHealth) Admit(domain.JobType) error     { return h.err }
func (h *stubHealth) Level() domain.DegradationLevel { return h.level }
func (h *stubHealth) Snapshot() domain.SystemHealth {
	return domain.SystemHealth{
		Level: h.level,
		Upstreams: []domain.UpstreamHealth{
			{Name: "agent", Status: domain.ProbeUp},
			{Name: "transcriber", Status: domain.ProbeUp},
			{Name: "store", Status: domain.ProbeUp},
		},
	}
}

type apiFixture struct {
	store    *jobstore.MemoryStore
	health   *stubHealth
	registry *workerhealth.Registry
	srv      *httpserver.Server
	handler  http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := jobstore.NewMemoryStore()
	health := &stubHealth{}
	registry := workerhealth.New(time.Minute, 5)
	engine := retrypolicy.New(3, retrypolicy.DefaultTuning())
	svc := usecase.NewJobService(store, engine, health, nil, usecase.Limits{
		MaxTextChars:  10000,
		MaxAttempts:   3,
		MinAudioBytes: 16,
		MaxAudioBytes: 1 << 20,
	}, nil)

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	hash, err := httpserver.HashPassword("op-secret", httpserver.Argon2Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32,
	})
	require.NoError(t, err)

	cfg := config.Config{
		MaxAudioBytes:        1 << 20,
		RateLimitPerMin:      1000,
		HTTPWriteTimeout:     10 * time.Second,
		OperatorUsername:     "operator",
		OperatorPasswordHash: hash,
	}
	srv := &httpserver.Server{
		Cfg:        cfg,
		Jobs:       svc,
		Blobs:      blobs,
		Health:     health,
		Registry:   registry,
		StoreCheck: store.Ping,
	}
	return &apiFixture{
		store:    store,
		health:   health,
		registry: registry,
		srv:      srv,
		handler:  app.BuildRouter(cfg, srv),
	}
}

func (f *apiFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func textJobBody(t *testing.T, text string) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(map[string]string{"type": "text_to_soap", "textRaw": text})
	require.NoError(t, err)
	return bytes.NewBuffer(b)
}

func TestCreateTextJobEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", textJobBody(t, "Patient reports dizziness."))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "user-a")

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, "text_to_soap", resp["type"])
	assert.NotEmpty(t, resp["id"])
	assert.Empty(t, rec.Header().Get("X-Degradation-Level"))
}

func TestCreateTextJobLinksTranscript(t *testing.T) {
	f := newAPIFixture(t)
	b, err := json.Marshal(map[string]string{
		"type":         "text_to_soap",
		"textRaw":      "Patient reports dizziness.",
		"sessionId":    "sess-9",
		"transcriptId": "tr-123",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBuffer(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "user-a")

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "tr-123", resp["transcriptId"])
	assert.Equal(t, "sess-9", resp["sessionId"])

	// The stored job carries the link for the worker to stamp onto the note.
	j, err := f.store.Get(context.Background(), resp["id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "tr-123", j.TranscriptID)
}

func TestCreateJobRequiresUserHeader(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", textJobBody(t, "text"))
	req.Header.Set("Content-Type", "application/json")

	rec := f.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHENTICATED")
}

func TestCreateJobValidation(t *testing.T) {
	f := newAPIFixture(t)

	for name, body := range map[string]string{
		"not json":       "{",
		"missing text":   `{"type":"text_to_soap"}`,
		"audio via json": `{"type":"audio_to_soap","textRaw":"x"}`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-User-Id", "user-a")
			rec := f.do(req)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateJobRefusedWhenCritical(t *testing.T) {
	f := newAPIFixture(t)
	f.health.level = domain.DegradationCritical
	f.health.err = fmt.Errorf("op=degradation.admit: %w: level critical", domain.ErrAdmissionRefused)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", textJobBody(t, "text"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "user-a")

	rec := f.do(req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "ADMISSION_REFUSED")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestDegradationHeaderOnMinor(t *testing.T) {
	f := newAPIFixture(t)
	f.health.level = domain.DegradationMinor

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", textJobBody(t, "text"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "user-a")

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "minor", rec.Header().Get("X-Degradation-Level"))
}

func audioRequest(t *testing.T, jobType string, filename string, contentType string, payload []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if jobType != "" {
		require.NoError(t, mw.WriteField("type", jobType))
	}
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="audio"; filename=%q`, filename)},
		"Content-Type":        {contentType},
	})
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-Id", "user-a")
	return req
}

func TestCreateAudioJobEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	payload := make([]byte, 64<<10)
	req := audioRequest(t, "audio_to_soap", "visit.webm", "audio/webm;codecs=opus", payload)

	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "audio_to_soap", resp["type"])

	// The blob landed in the store and is referenced by the queued job.
	jobs, err := f.store.ListByState(context.Background(), domain.JobQueued, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	ref, _ := jobs[0].Input["audioBlobRef"].(string)
	assert.NotEmpty(t, ref)
	got, err := f.srv.Blobs.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Len(t, got, 64<<10)
}

func TestCreateAudioJobRejectsBadType(t *testing.T) {
	f := newAPIFixture(t)
	req := audioRequest(t, "audio_to_soap", "doc.pdf", "application/pdf", []byte("%PDF-1.4 fake"))

	rec := f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_ARGUMENT")
}

func TestCreateAudioJobRejectsTextTypeInMultipart(t *testing.T) {
	f := newAPIFixture(t)
	req := audioRequest(t, "text_to_soap", "visit.webm", "audio/webm", make([]byte, 1024))

	rec := f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpointOwnership(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", textJobBody(t, "text"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "user-a")
	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"].(string)

	get := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil)
	get.Header.Set("X-User-Id", "user-a")
	rec = f.do(get)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Someone else's job is indistinguishable from a missing one.
	other := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil)
	other.Header.Set("X-User-Id", "user-b")
	rec = f.do(other)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", textJobBody(t, fmt.Sprintf("note %d", i)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-Id", "user-a")
		require.Equal(t, http.StatusAccepted, f.do(req).Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs?limit=2", nil)
	req.Header.Set("X-User-Id", "user-a")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs  []map[string]any `json:"jobs"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
}

func TestCancelEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", textJobBody(t, "text"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "user-a")
	rec := f.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"].(string)

	cancel := httptest.NewRequest(http.MethodPost, "/v1/jobs/"+id+"/cancel", nil)
	cancel.Header.Set("X-User-Id", "user-a")
	rec = f.do(cancel)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Already terminal: a second cancel conflicts.
	again := httptest.NewRequest(http.MethodPost, "/v1/jobs/"+id+"/cancel", nil)
	again.Header.Set("X-User-Id", "user-a")
	rec = f.do(again)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	f.health.level = domain.DegradationCritical
	rec = f.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminEndpointsRequireOperatorAuth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/admin/workers", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/workers", nil)
	req.SetBasicAuth("operator", "wrong")
	rec = f.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	f.registry.Register("worker-1", domain.WorkerVariantText)
	req = httptest.NewRequest(http.MethodGet, "/admin/workers", nil)
	req.SetBasicAuth("operator", "op-secret")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "worker-1")
}

func TestAdminQueueStats(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", textJobBody(t, "text"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "user-a")
	require.Equal(t, http.StatusAccepted, f.do(req).Code)

	stats := httptest.NewRequest(http.MethodGet, "/admin/queue-stats?queue=text_processing", nil)
	stats.SetBasicAuth("operator", "op-secret")
	rec := f.do(stats)
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(1), got.Size)
	assert.NotNil(t, got.OldestJobCreatedAt)
}

func TestAdminSystemHealth(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	req.SetBasicAuth("operator", "op-secret")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"level":"normal"`)
	assert.Contains(t, rec.Body.String(), "transcriber")
}

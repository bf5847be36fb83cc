// Package transcriber implements the client for the speech-to-text service:
// POST /transcribe accepts a multipart audio upload, GET /health reports
// whether the transcription model is loaded.
package transcriber

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/scribehq/notegen/internal/adapter/observability"
	"github.com/scribehq/notegen/internal/adapter/upstream"
	"github.com/scribehq/notegen/internal/config"
	"github.com/scribehq/notegen/internal/domain"
	"github.com/scribehq/notegen/pkg/textx"
)

type Client struct {
	baseURL string
	hc      *http.Client
}

func New(cfg config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.TranscriberURL, "/"),
		hc:      upstream.NewHTTPClient(cfg.UpstreamConnectTimeout, cfg.UpstreamReadTimeout),
	}
}

type transcribeResponse struct {
	Transcript   string `json:"transcript"`
	TranscriptID string `json:"transcript_id"`
}

// Transcribe uploads the audio blob as the multipart field "file".
func (c *Client) Transcribe(ctx domain.Context, filename string, audio []byte) (domain.TranscriptionResult, error) {
	const op = "transcriber.transcribe"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return domain.TranscriptionResult{}, fmt.Errorf("op=%s: %w", op, err)
	}
	if _, err := part.Write(audio); err != nil {
		return domain.TranscriptionResult{}, fmt.Errorf("op=%s: %w", op, err)
	}
	if err := mw.Close(); err != nil {
		return domain.TranscriptionResult{}, fmt.Errorf("op=%s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", &buf)
	if err != nil {
		return domain.TranscriptionResult{}, fmt.Errorf("op=%s: %w", op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := c.hc.Do(req)
	observability.ObserveUpstream("transcriber", "transcribe", err, time.Since(start))
	if err != nil {
		return domain.TranscriptionResult{}, upstream.MapTransportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := upstream.ReadSnippet(resp.Body, 512)
		slog.Warn("transcriber non-2xx",
			slog.Int("status", resp.StatusCode),
			slog.String("filename", textx.SafeLog(filename, 128)),
			slog.String("body", snippet))
		return domain.TranscriptionResult{}, upstream.MapStatus(op, resp.StatusCode, snippet)
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.TranscriptionResult{}, fmt.Errorf("op=%s: %w: invalid response body", op, domain.ErrUpstreamSemantic)
	}
	if out.Transcript == "" {
		return domain.TranscriptionResult{}, fmt.Errorf("op=%s: %w: empty transcript", op, domain.ErrUpstreamSemantic)
	}
	return domain.TranscriptionResult{
		Transcript:   out.Transcript,
		TranscriptID: out.TranscriptID,
	}, nil
}

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	ModelLoaded *bool  `json:"model_loaded"`
}

func (c *Client) Health(ctx domain.Context) (domain.TranscriberHealth, error) {
	const op = "transcriber.health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return domain.TranscriberHealth{}, fmt.Errorf("op=%s: %w", op, err)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	observability.ObserveUpstream("transcriber", "health", err, time.Since(start))
	if err != nil {
		return domain.TranscriberHealth{}, upstream.MapTransportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.TranscriberHealth{}, upstream.MapStatus(op, resp.StatusCode, upstream.ReadSnippet(resp.Body, 256))
	}

	var out healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.TranscriberHealth{}, fmt.Errorf("op=%s: %w: invalid health body", op, domain.ErrUpstreamSemantic)
	}
	h := domain.TranscriberHealth{
		Status:      strings.ToLower(out.Status),
		ModelLoaded: true,
	}
	if out.ModelLoaded != nil {
		h.ModelLoaded = *out.ModelLoaded
	}
	return h, nil
}

// Probe adapts Health onto the degradation controller's probe contract.
func (c *Client) Probe(ctx domain.Context) (domain.ProbeStatus, error) {
	h, err := c.Health(ctx)
	if err != nil {
		return domain.ProbeDown, err
	}
	switch {
	case h.Status == "unhealthy":
		return domain.ProbeDown, nil
	case !h.ModelLoaded:
		return domain.ProbeDegraded, nil
	default:
		return domain.ProbeUp, nil
	}
}

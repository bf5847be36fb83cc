// Package agent implements the client for the note-structuring agent
// service: POST /format_note turns raw clinical text into a structured SOAP
// note, GET /health reports model availability.
package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/scribehq/notegen/internal/adapter/observability"
	"github.com/scribehq/notegen/internal/adapter/upstream"
	"github.com/scribehq/notegen/internal/adapter/upstream/tokencount"
	"github.com/scribehq/notegen/internal/config"
	"github.com/scribehq/notegen/internal/domain"
)

type Client struct {
	baseURL string
	hc      *http.Client
	tokens  *tokencount.Counter

	mu    sync.RWMutex
	model string // last model reported by the health probe
}

func New(cfg config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.AgentURL, "/"),
		hc:      upstream.NewHTTPClient(cfg.UpstreamConnectTimeout, cfg.UpstreamReadTimeout),
		tokens:  tokencount.NewCounter(),
		model:   "gpt-4",
	}
}

type formatRequest struct {
	Text string `json:"text"`
}

type formatResponse struct {
	StructuredText string `json:"structured_text"`
}

// FormatNote sends raw text for structuring and returns the SOAP note text.
func (c *Client) FormatNote(ctx domain.Context, text string) (string, error) {
	const op = "agent.format_note"
	body, err := json.Marshal(formatRequest{Text: text})
	if err != nil {
		return "", fmt.Errorf("op=%s: %w", op, err)
	}
	observability.ObservePromptTokens(c.tokens.Count(text, c.currentModel()))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/format_note", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("op=%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	observability.ObserveUpstream("agent", "format_note", err, time.Since(start))
	if err != nil {
		return "", upstream.MapTransportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := upstream.ReadSnippet(resp.Body, 512)
		slog.Warn("agent format_note non-2xx",
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet))
		return "", upstream.MapStatus(op, resp.StatusCode, snippet)
	}

	var out formatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("op=%s: %w: invalid response body", op, domain.ErrUpstreamSemantic)
	}
	if out.StructuredText == "" {
		return "", fmt.Errorf("op=%s: %w: empty structured_text", op, domain.ErrUpstreamSemantic)
	}
	return out.StructuredText, nil
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Model          string `json:"model"`
	ModelAvailable *bool  `json:"model_available"`
	ModelLoaded    *bool  `json:"model_loaded"`
}

// Health probes GET /health. A reachable service with model_available=false
// is reported healthy-but-degraded via ModelAvailable.
func (c *Client) Health(ctx domain.Context) (domain.AgentHealth, error) {
	const op = "agent.health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return domain.AgentHealth{}, fmt.Errorf("op=%s: %w", op, err)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	observability.ObserveUpstream("agent", "health", err, time.Since(start))
	if err != nil {
		return domain.AgentHealth{}, upstream.MapTransportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.AgentHealth{}, upstream.MapStatus(op, resp.StatusCode, upstream.ReadSnippet(resp.Body, 256))
	}

	var out healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.AgentHealth{}, fmt.Errorf("op=%s: %w: invalid health body", op, domain.ErrUpstreamSemantic)
	}

	h := domain.AgentHealth{
		Status:         strings.ToLower(out.Status),
		Model:          out.Model,
		ModelAvailable: true,
	}
	if out.ModelAvailable != nil {
		h.ModelAvailable = *out.ModelAvailable
	} else if out.ModelLoaded != nil {
		h.ModelAvailable = *out.ModelLoaded
	}
	if out.Model != "" {
		c.mu.Lock()
		c.model = out.Model
		c.mu.Unlock()
	}
	return h, nil
}

func (c *Client) currentModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
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
	case !h.ModelAvailable:
		return domain.ProbeDegraded, nil
	default:
		return domain.ProbeUp, nil
	}
}

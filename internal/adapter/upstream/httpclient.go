// Package upstream holds shared HTTP plumbing for the AI service clients:
// transport construction, response-status mapping onto domain sentinels,
// and bounded error-body snippets.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/scribehq/notegen/internal/domain"
)

// NewHTTPClient builds an instrumented client with a connect timeout on the
// dialer and an overall request timeout.
func NewHTTPClient(connectTimeout, readTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	base := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConnsPerHost:   8,
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(base),
		Timeout:   readTimeout,
	}
}

// MapTransportError wraps dial, timeout, and cancellation failures onto the
// domain taxonomy.
func MapTransportError(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("op=%s: %w: %v", op, domain.ErrUpstreamTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("op=%s: %w: %v", op, domain.ErrUpstreamTimeout, err)
		}
		return fmt.Errorf("op=%s: %w: %v", op, domain.ErrUpstreamUnavailable, err)
	}
}

// MapStatus converts a non-2xx upstream status onto the domain taxonomy. The
// snippet is a bounded slice of the response body for log context.
func MapStatus(op string, status int, snippet string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("op=%s: %w: status 429", op, domain.ErrUpstreamRateLimit)
	case status == http.StatusRequestTimeout:
		// 408 is the upstream timing out on our request; retry like any
		// other timeout rather than failing terminally.
		return fmt.Errorf("op=%s: %w: status 408: %s", op, domain.ErrUpstreamTimeout, snippet)
	case status >= 500:
		return fmt.Errorf("op=%s: %w: status %d: %s", op, domain.ErrUpstreamUnavailable, status, snippet)
	case status >= 400:
		return fmt.Errorf("op=%s: %w: status %d: %s", op, domain.ErrUpstreamSemantic, status, snippet)
	default:
		return nil
	}
}

// ReadSnippet drains up to n bytes of r for error messages.
func ReadSnippet(r io.Reader, n int64) string {
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return string(b)
}

package retrypolicy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribehq/notegen/internal/domain"
)

func noJitter() float64 { return 0 }

func newEngine(opts ...Option) *Engine {
	base := domain.RetryTuning{Base: 100 * time.Millisecond, Multiplier: 2, Ceiling: 10 * time.Second, JitterFraction: 0}
	return New(3, base, append([]Option{WithJitterSource(noJitter)}, opts...)...)
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	e := newEngine()
	for _, c := range []domain.ErrorCategory{domain.CategoryInvalidInput, domain.CategoryUpstream4xx} {
		d := e.Decide(domain.Job{AttemptCount: 0, MaxAttempts: 3}, c, "bad input")
		assert.False(t, d.Retry, "category %s", c)
		assert.Equal(t, "bad input", d.Reason)
	}
}

func TestMaxAttemptsExhausted(t *testing.T) {
	e := newEngine()
	d := e.Decide(domain.Job{AttemptCount: 2, MaxAttempts: 3}, domain.CategoryUpstream5xx, "boom 503")
	assert.False(t, d.Retry)
	assert.Equal(t, "max retries exceeded: boom 503", d.Reason)
}

func TestExponentialBackoff(t *testing.T) {
	e := newEngine()
	d0 := e.Decide(domain.Job{AttemptCount: 0, MaxAttempts: 3}, domain.CategoryUpstream5xx, "503")
	require.True(t, d0.Retry)
	assert.Equal(t, 100*time.Millisecond, d0.Delay)

	d1 := e.Decide(domain.Job{AttemptCount: 1, MaxAttempts: 3}, domain.CategoryUpstream5xx, "503")
	require.True(t, d1.Retry)
	assert.Equal(t, 200*time.Millisecond, d1.Delay)
}

func TestCeilingCapsDelay(t *testing.T) {
	base := domain.RetryTuning{Base: time.Second, Multiplier: 10, Ceiling: 3 * time.Second, JitterFraction: 0}
	e := New(10, base, WithJitterSource(noJitter))
	d := e.Decide(domain.Job{AttemptCount: 4, MaxAttempts: 10}, domain.CategoryInternal, "x")
	require.True(t, d.Retry)
	assert.Equal(t, 3*time.Second, d.Delay)
}

func TestJitterBoundedByFraction(t *testing.T) {
	base := domain.RetryTuning{Base: time.Second, Multiplier: 2, Ceiling: time.Minute, JitterFraction: 0.5}
	e := New(5, base, WithJitterSource(func() float64 { return 1 - 1e-9 }))
	d := e.Decide(domain.Job{AttemptCount: 0, MaxAttempts: 5}, domain.CategoryInternal, "x")
	require.True(t, d.Retry)
	assert.GreaterOrEqual(t, d.Delay, time.Second)
	assert.Less(t, d.Delay, 1500*time.Millisecond+time.Millisecond)
}

func TestRateLimitedUsesLargerBase(t *testing.T) {
	e := New(3, DefaultTuning(), WithJitterSource(noJitter))
	plain := e.Tuning(domain.CategoryUpstream5xx)
	limited := e.Tuning(domain.CategoryRateLimited)
	assert.Greater(t, limited.Base, plain.Base)
}

func TestPerJobMaxAttemptsOverride(t *testing.T) {
	e := newEngine()
	d := e.Decide(domain.Job{AttemptCount: 3, MaxAttempts: 5}, domain.CategoryInternal, "x")
	assert.True(t, d.Retry)
	d = e.Decide(domain.Job{AttemptCount: 4, MaxAttempts: 5}, domain.CategoryInternal, "x")
	assert.False(t, d.Retry)
}

func TestReasonSanitized(t *testing.T) {
	e := newEngine()
	d := e.Decide(domain.Job{AttemptCount: 0, MaxAttempts: 1}, domain.CategoryInternal, "line1\nline2\x00ctl")
	assert.False(t, d.Retry)
	assert.NotContains(t, d.Reason, "\n")
	assert.NotContains(t, d.Reason, "\x00")
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retry.yaml")
	body := "rate_limited:\n  base: 20s\n  multiplier: 3\n  ceiling: 2m\n  jitter_fraction: 0.1\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	opts, err := LoadOverrides(path)
	require.NoError(t, err)
	e := New(3, DefaultTuning(), append(opts, WithJitterSource(noJitter))...)
	tu := e.Tuning(domain.CategoryRateLimited)
	assert.Equal(t, 20*time.Second, tu.Base)
	assert.Equal(t, 3.0, tu.Multiplier)
}

func TestLoadOverridesUnknownCategory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bogus:\n  base: 1s\n"), 0o600))
	_, err := LoadOverrides(path)
	assert.Error(t, err)
}

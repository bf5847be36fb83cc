// Package retrypolicy decides retry-vs-fail and computes backoff for failed
// job attempts. The engine is pure: given the same inputs, outputs are
// deterministic up to the jitter draw.
package retrypolicy

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scribehq/notegen/internal/domain"
	"github.com/scribehq/notegen/pkg/textx"
)

// maxFailureReasonLen caps the sanitized error carried on terminal failures.
const maxFailureReasonLen = 512

// Engine computes retry decisions per error category.
type Engine struct {
	defaultMaxAttempts int
	tunings            map[domain.ErrorCategory]domain.RetryTuning
	// jitter returns a uniform draw in [0,1); injectable for tests.
	jitter func() float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithJitterSource overrides the uniform jitter draw. Tests use this to make
// decisions fully deterministic.
func WithJitterSource(f func() float64) Option {
	return func(e *Engine) { e.jitter = f }
}

// WithTuning overrides the backoff tuning for one category.
func WithTuning(c domain.ErrorCategory, t domain.RetryTuning) Option {
	return func(e *Engine) { e.tunings[c] = t }
}

// DefaultTuning returns the baseline backoff parameters applied to categories
// without a specific override.
func DefaultTuning() domain.RetryTuning {
	return domain.RetryTuning{
		Base:           1 * time.Second,
		Multiplier:     2.0,
		Ceiling:        30 * time.Second,
		JitterFraction: 0.2,
	}
}

// New constructs an Engine with category-specific defaults: rate-limited and
// resource-exhausted failures back off from a larger base so that upstreams
// signaling backpressure are not hammered.
func New(defaultMaxAttempts int, base domain.RetryTuning, opts ...Option) *Engine {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	if base.Base <= 0 {
		base = DefaultTuning()
	}
	rateLimited := base
	rateLimited.Base = maxDuration(5*time.Second, base.Base)
	exhausted := base
	exhausted.Base = maxDuration(10*time.Second, base.Base)
	exhausted.Ceiling = maxDuration(2*time.Minute, base.Ceiling)

	e := &Engine{
		defaultMaxAttempts: defaultMaxAttempts,
		tunings: map[domain.ErrorCategory]domain.RetryTuning{
			domain.CategoryTransientNetwork:  base,
			domain.CategoryUpstream5xx:       base,
			domain.CategoryInternal:          base,
			domain.CategoryRateLimited:       rateLimited,
			domain.CategoryResourceExhausted: exhausted,
		},
		jitter: rand.Float64,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Decide returns the verdict for a failed attempt. attemptCount is the
// 0-indexed attempt that just failed; lastErr is the raw error message.
func (e *Engine) Decide(j domain.Job, category domain.ErrorCategory, lastErr string) domain.RetryDecision {
	reason := textx.SafeLog(lastErr, maxFailureReasonLen)

	if !category.Retryable() {
		return domain.RetryDecision{Retry: false, Reason: reason}
	}

	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.defaultMaxAttempts
	}
	if j.AttemptCount+1 >= maxAttempts {
		return domain.RetryDecision{
			Retry:  false,
			Reason: fmt.Sprintf("max retries exceeded: %s", reason),
		}
	}

	return domain.RetryDecision{Retry: true, Delay: e.delay(category, j.AttemptCount)}
}

// delay computes base * multiplier^attempt plus a uniform jitter fraction,
// capped at the category ceiling.
func (e *Engine) delay(category domain.ErrorCategory, attempt int) time.Duration {
	t, ok := e.tunings[category]
	if !ok {
		t = DefaultTuning()
	}
	d := time.Duration(float64(t.Base) * math.Pow(t.Multiplier, float64(attempt)))
	if t.Ceiling > 0 && d > t.Ceiling {
		d = t.Ceiling
	}
	if t.JitterFraction > 0 {
		d += time.Duration(e.jitter() * t.JitterFraction * float64(d))
		if t.Ceiling > 0 && d > t.Ceiling {
			d = t.Ceiling
		}
	}
	return d
}

// Tuning returns the active tuning for a category.
func (e *Engine) Tuning(c domain.ErrorCategory) domain.RetryTuning {
	if t, ok := e.tunings[c]; ok {
		return t
	}
	return DefaultTuning()
}

// tuningFile is the YAML form of a category override; durations are strings
// like "20s" so the file stays human-editable.
type tuningFile struct {
	Base           string  `yaml:"base"`
	Multiplier     float64 `yaml:"multiplier"`
	Ceiling        string  `yaml:"ceiling"`
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// LoadOverrides reads a YAML file mapping category names to tunings and
// returns the corresponding options. Unknown categories are rejected.
func LoadOverrides(path string) ([]Option, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=retrypolicy.load_overrides: %w", err)
	}
	raw := map[string]tuningFile{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("op=retrypolicy.load_overrides: %w", err)
	}
	opts := make([]Option, 0, len(raw))
	for name, tf := range raw {
		c := domain.ErrorCategory(name)
		switch c {
		case domain.CategoryTransientNetwork, domain.CategoryUpstream5xx,
			domain.CategoryRateLimited, domain.CategoryResourceExhausted,
			domain.CategoryInternal:
		default:
			return nil, fmt.Errorf("op=retrypolicy.load_overrides: unknown category %q", name)
		}
		tuning := domain.RetryTuning{Multiplier: tf.Multiplier, JitterFraction: tf.JitterFraction}
		if tf.Base != "" {
			if tuning.Base, err = time.ParseDuration(tf.Base); err != nil {
				return nil, fmt.Errorf("op=retrypolicy.load_overrides: category %q base: %w", name, err)
			}
		}
		if tf.Ceiling != "" {
			if tuning.Ceiling, err = time.ParseDuration(tf.Ceiling); err != nil {
				return nil, fmt.Errorf("op=retrypolicy.load_overrides: category %q ceiling: %w", name, err)
			}
		}
		opts = append(opts, WithTuning(c, tuning))
	}
	return opts, nil
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

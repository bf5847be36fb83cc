// Package domain: retry taxonomy shared by the workers and the policy engine.
package domain

import "time"

// ErrorCategory classifies a failed attempt for retry decisions and metrics.
type ErrorCategory string

const (
	// CategoryTransientNetwork covers connection refused and sub-threshold timeouts.
	CategoryTransientNetwork ErrorCategory = "transient_network"
	CategoryUpstream5xx      ErrorCategory = "upstream_5xx"
	// CategoryUpstream4xx is non-retryable; 408/429 classify separately.
	CategoryUpstream4xx       ErrorCategory = "upstream_4xx"
	CategoryRateLimited       ErrorCategory = "rate_limited"
	CategoryInvalidInput      ErrorCategory = "invalid_input"
	CategoryResourceExhausted ErrorCategory = "resource_exhausted"
	CategoryInternal          ErrorCategory = "internal"
)

// Retryable reports whether the category is eligible for retry at all.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case CategoryInvalidInput, CategoryUpstream4xx:
		return false
	}
	return true
}

// RetryTuning holds the backoff parameters for one error category.
type RetryTuning struct {
	Base           time.Duration
	Multiplier     float64
	Ceiling        time.Duration
	JitterFraction float64
}

// RetryDecision is the policy engine's verdict for one failed attempt.
type RetryDecision struct {
	Retry bool
	// Delay before the job becomes eligible again; meaningful when Retry.
	Delay time.Duration
	// Reason is the sanitized terminal failure message; meaningful when !Retry.
	Reason string
}

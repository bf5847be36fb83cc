package worker

import (
	"context"
	"errors"

	"github.com/scribehq/notegen/internal/domain"
)

// Classify maps a failed attempt's error onto the retry taxonomy. Timeouts
// fold into transient_network per the attempt-timeout contract.
func Classify(err error) domain.ErrorCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrInvalidArgument):
		return domain.CategoryInvalidInput
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		return domain.CategoryRateLimited
	case errors.Is(err, domain.ErrUpstreamSemantic):
		return domain.CategoryUpstream4xx
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return domain.CategoryUpstream5xx
	case errors.Is(err, domain.ErrUpstreamTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return domain.CategoryTransientNetwork
	case errors.Is(err, domain.ErrStoreUnavailable):
		return domain.CategoryResourceExhausted
	default:
		return domain.CategoryInternal
	}
}

package client

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/polos-dev/polos-go"
)

// RetryPolicy controls the backoff applied around outbound orchestrator
// calls. Exponential backoff with jitter and a cap; 4xx other than 429 are
// non-retryable; 5xx and 429 retry up to MaxAttempts (spec §4.1).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *slog.Logger
}

// DefaultRetryPolicy makes 3 attempts with a 500ms base delay, and caps the
// backoff at 30s (a cap the teacher's retryProvider does not have) since
// orchestrator calls, unlike LLM calls, must not back off forever.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Logger:      slog.New(slog.DiscardHandler),
	}
}

// retryCall calls fn up to MaxAttempts times, retrying only transient
// orchestrator errors (polos.IsTransientAPIError), sleeping between
// attempts with exponential backoff plus jitter, honoring a server
// Retry-After when larger. Directly grounded on oasis's generic
// retryCall[T]/retryBackoff/retryDelay trio in retry.go.
func retryCall[T any](ctx context.Context, p RetryPolicy, op string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !polos.IsTransientAPIError(err) {
			return result, err
		}
		lastErr = err
		p.Logger.Warn("orchestrator call transient failure, retrying", "op", op, "attempt", i+1, "max_attempts", maxAttempts, "err", err)
		if i < maxAttempts-1 {
			delay := retryDelay(p, i, err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return zero, lastErr
}

func retryDelay(p RetryPolicy, attempt int, err error) time.Duration {
	backoff := retryBackoff(p, attempt)
	if ae, ok := err.(*polos.ApiError); ok && ae.RetryAfter > 0 {
		if ra := time.Duration(ae.RetryAfter) * time.Second; ra > backoff {
			return ra
		}
	}
	return backoff
}

// retryBackoff returns base * 2^attempt plus up to 50% jitter, capped at
// p.MaxDelay.
func retryBackoff(p RetryPolicy, attempt int) time.Duration {
	exp := p.BaseDelay * (1 << attempt)
	if p.MaxDelay > 0 && exp > p.MaxDelay {
		exp = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	total := exp + jitter
	if p.MaxDelay > 0 && total > p.MaxDelay {
		total = p.MaxDelay
	}
	return total
}

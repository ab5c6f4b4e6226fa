package client

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/polos-dev/polos-go"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Logger: slog.New(slog.DiscardHandler)}
}

func TestRetryCallRetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	result, err := retryCall(context.Background(), testPolicy(), "op", func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", &polos.ApiError{Status: 503}
		}
		return "ok", nil
	})
	if err != nil || result != "ok" {
		t.Fatalf("result=%q err=%v", result, err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryCallDoesNotRetryNonTransient(t *testing.T) {
	attempts := 0
	_, err := retryCall(context.Background(), testPolicy(), "op", func() (string, error) {
		attempts++
		return "", &polos.ApiError{Status: 400}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for non-retryable error, got %d", attempts)
	}
}

func TestRetryCallGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	_, err := retryCall(context.Background(), testPolicy(), "op", func() (string, error) {
		attempts++
		return "", &polos.ApiError{Status: 429}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryDelayRespectsRetryAfter(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Second}
	err := &polos.ApiError{Status: 429, RetryAfter: 5}
	d := retryDelay(p, 0, err)
	if d < 5*time.Second {
		t.Fatalf("expected delay to respect Retry-After, got %v", d)
	}
}

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gpufleet/gpufleet/core"
)

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return core.NewNetworkError("op", errors.New("refused"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	want := core.NewValidationError("bad request", nil)
	err := Retry(context.Background(), fastRetryConfig(5), func(ctx context.Context) error {
		calls++
		return want
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on validation errors)", calls)
	}
	var ce *core.ControlError
	if !errors.As(err, &ce) || ce.Kind != core.KindValidation {
		t.Fatalf("err = %v, want the validation error unchanged", err)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(3), func(ctx context.Context) error {
		calls++
		return core.NewNetworkError("op", errors.New("refused"))
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Fatalf("err = %v, want ErrMaxRetriesExceeded", err)
	}
	// The last underlying error stays reachable for classification.
	if !errors.Is(err, core.ErrConnectionFailed) {
		t.Fatalf("err = %v, want wrapped connection failure", err)
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	calls := 0
	start := time.Now()
	err := Retry(context.Background(), &RetryConfig{
		MaxAttempts:  2,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     time.Second,
	}, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return core.NewRateLimitError("op", 60*time.Millisecond)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() = %v, want nil", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("retried after %v, want >= Retry-After of 60ms", elapsed)
	}
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
	}, func(ctx context.Context) error {
		calls++
		return core.NewNetworkError("op", errors.New("refused"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(time.Second, 30*time.Second, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

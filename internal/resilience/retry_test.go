package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

// fastRetryConfig keeps test sleeps in the microsecond range.
func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Microsecond,
		MaxBackoff:     10 * time.Microsecond,
		BackoffBudget:  time.Second,
		Multiplier:     2.0,
	}
}

type statusErr struct {
	code int
	hint time.Duration
}

func (e *statusErr) Error() string   { return fmt.Sprintf("upstream returned %d", e.code) }
func (e *statusErr) HTTPStatus() int { return e.code }
func (e *statusErr) RetryAfterHint() (time.Duration, bool) {
	return e.hint, e.hint > 0
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &statusErr{code: http.StatusBadGateway}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_StopsAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return &statusErr{code: http.StatusServiceUnavailable}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// MaxRetries counts retries after the first attempt.
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return &statusErr{code: http.StatusBadRequest}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_BackoffBudgetAborts(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.MaxRetries = 10
	cfg.BackoffBudget = 50 * time.Millisecond

	calls := 0
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		// Rate limit with a hint far over the cumulative budget.
		return &statusErr{code: http.StatusTooManyRequests, hint: time.Minute}
	})
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no sleep and 1 call, got %d", calls)
	}
}

func TestDo_DeadlineAbortsInsteadOfSleeping(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	cfg := fastRetryConfig()
	start := time.Now()
	err := Do(ctx, cfg, func(ctx context.Context) error {
		return &statusErr{code: http.StatusTooManyRequests, hint: time.Hour}
	})
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("expected immediate abort, took %s", elapsed)
	}
}

func TestDo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if calls != 0 {
		t.Errorf("expected 0 calls, got %d", calls)
	}
}

func TestDo_RetryAfterHintUsed(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.BackoffBudget = time.Second

	hint := 30 * time.Millisecond
	calls := 0
	start := time.Now()
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &statusErr{code: http.StatusTooManyRequests, hint: hint}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < hint {
		t.Errorf("expected at least %s of delay from the hint, got %s", hint, elapsed)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"circuit open", ErrCircuitOpen, false},
		{"budget exceeded", ErrBudgetExceeded, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"429", &statusErr{code: http.StatusTooManyRequests}, true},
		{"500", &statusErr{code: http.StatusInternalServerError}, true},
		{"503", &statusErr{code: http.StatusServiceUnavailable}, true},
		{"400", &statusErr{code: http.StatusBadRequest}, false},
		{"404", &statusErr{code: http.StatusNotFound}, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"plain error", errors.New("parse failure"), false},
		{"wrapped circuit open", fmt.Errorf("call failed: %w", ErrCircuitOpen), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

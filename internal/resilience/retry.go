package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrBudgetExceeded is returned when a retry delay would outlast the
// remaining time budget of the current invocation. The caller must not
// sleep past its execution ceiling; aborting immediately is cheaper.
var ErrBudgetExceeded = errors.New("retry delay exceeds remaining time budget")

// HTTPStatusError is implemented by errors that carry an upstream HTTP status.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// RetryAfterHinter is implemented by rate-limit errors carrying a
// provider-suggested delay.
type RetryAfterHinter interface {
	error
	RetryAfterHint() (time.Duration, bool)
}

// RetryConfig bounds the retry wrapper.
type RetryConfig struct {
	MaxRetries     int           // retries after the first attempt
	InitialBackoff time.Duration
	MaxBackoff     time.Duration // per-sleep cap
	BackoffBudget  time.Duration // cumulative sleep ceiling across all retries
	Multiplier     float64
	Jitter         float64 // fraction of the delay randomized, 0..1
}

// DefaultRetryConfig returns the defaults used for outbound service calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffBudget:  30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// Do runs fn, retrying retryable failures with exponential backoff. Rate
// limit responses use the provider-suggested delay when present. A delay
// that would exceed the context deadline or the cumulative backoff budget
// aborts with ErrBudgetExceeded instead of sleeping.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	backoff := cfg.InitialBackoff
	var slept time.Duration
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry aborted: %w", err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
		}

		delay := jittered(backoff, cfg.Jitter)
		if hint, ok := retryAfterHint(err); ok {
			delay = hint
		}

		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(delay).After(deadline) {
			return fmt.Errorf("%w: need %s, deadline in %s", ErrBudgetExceeded, delay, time.Until(deadline))
		}
		if cfg.BackoffBudget > 0 && slept+delay > cfg.BackoffBudget {
			return fmt.Errorf("%w: cumulative backoff %s over budget %s", ErrBudgetExceeded, slept+delay, cfg.BackoffBudget)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-time.After(delay):
		}
		slept += delay

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	spread := float64(d) * jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

func retryAfterHint(err error) (time.Duration, bool) {
	var hinter RetryAfterHinter
	if errors.As(err, &hinter) {
		return hinter.RetryAfterHint()
	}
	return 0, false
}

// IsRetryable classifies an error: timeouts, connection failures, rate
// limits and upstream 5xx are retryable; validation errors, other 4xx and
// open circuits are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrBudgetExceeded) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.HTTPStatus()
		if code == http.StatusTooManyRequests {
			return true
		}
		if code >= 500 {
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"unexpected eof",
		"timeout",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}

	return false
}

// Package retry wraps one logical operation with bounded, policy-driven
// retries and capped backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hazyhaar/domharvest/domerr"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	Exponential Strategy = "exponential"
	Linear      Strategy = "linear"
)

// ParseStrategy accepts "exponential", "linear" or "" (exponential).
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", Exponential:
		return Exponential, nil
	case Linear:
		return Linear, nil
	}
	return "", fmt.Errorf("retry: unknown strategy %q", s)
}

const (
	DefaultBaseDelay  = time.Second
	DefaultMaxBackoff = 10 * time.Second
)

// Event describes a retry about to happen.
type Event struct {
	Attempt int // 0-indexed attempt that just failed
	Delay   time.Duration
	Err     error
}

// Policy governs a retry sequence. The zero value makes a single attempt.
type Policy struct {
	MaxAttempts int
	Strategy    Strategy
	BaseDelay   time.Duration
	MaxBackoff  time.Duration

	// RetryableKinds restricts retries to errors of the listed kinds.
	// Empty means every error retries.
	RetryableKinds []domerr.Kind

	// OnRetry is called before each backoff sleep.
	OnRetry func(Event)

	Logger *slog.Logger

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is three exponential attempts starting at one second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Strategy:    Exponential,
		BaseDelay:   DefaultBaseDelay,
		MaxBackoff:  DefaultMaxBackoff,
	}
}

// Backoff returns the delay after the failed attempt i (0-indexed).
// Exponential: min(base*2^i, max). Linear: min(base*(i+1), max).
// Zero base or max fall back to the defaults.
func Backoff(attempt int, s Strategy, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	if attempt < 0 {
		attempt = 0
	}
	var d time.Duration
	if s == Linear {
		if int64(attempt+1) > int64(max/base) {
			return max
		}
		d = base * time.Duration(attempt+1)
	} else {
		d = base
		for i := 0; i < attempt && d < max; i++ {
			d *= 2
		}
	}
	return min(d, max)
}

// ShouldRetry reports whether err may be retried under the allow-list.
// Without an allow-list every error retries; with one, only errors whose
// domerr kind is listed do.
func ShouldRetry(err error, kinds []domerr.Kind) bool {
	if err == nil {
		return false
	}
	if len(kinds) == 0 {
		return true
	}
	k := domerr.KindOf(err)
	return k != "" && slices.Contains(kinds, k)
}

// Do runs op until it succeeds, the attempts are exhausted, the error is
// not retryable or ctx is done. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var zero T
	for i := 0; ; i++ {
		v, err := op(ctx, i)
		if err == nil {
			return v, nil
		}
		if i >= attempts-1 || !ShouldRetry(err, p.RetryableKinds) || ctx.Err() != nil {
			return zero, err
		}

		wait := Backoff(i, p.Strategy, p.BaseDelay, p.MaxBackoff)
		if p.Logger != nil {
			p.Logger.WarnContext(ctx, "retrying operation",
				"attempt", i+1,
				"max_attempts", attempts,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
		}
		if p.OnRetry != nil {
			p.OnRetry(Event{Attempt: i, Delay: wait, Err: err})
		}
		if sleep(ctx, wait) != nil {
			return zero, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry tuning for local tool servers.
const (
	DefaultMaxAttempts  = 2
	DefaultInitialDelay = 50 * time.Millisecond
	DefaultMaxDelay     = time.Second
	DefaultMultiplier   = 2.0

	// jitterFraction bounds the random spread applied when Jitter is on.
	jitterFraction = 0.1
)

// RetryPolicy describes exponential backoff between attempts of one
// operation. The zero value is not useful; call [RetryPolicy.WithDefaults]
// or start from [DefaultRetryPolicy].
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// InitialDelay is the delay after the first failed attempt.
	InitialDelay time.Duration

	// MaxDelay caps every delay.
	MaxDelay time.Duration

	// Multiplier grows the delay after each attempt.
	Multiplier float64

	// Jitter spreads each delay by up to ±10%.
	Jitter bool
}

// DefaultRetryPolicy returns the local-deployment policy: two attempts,
// 50ms initial delay doubling up to 1s, no jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{}.WithDefaults()
}

// WithDefaults returns a copy of p with zero fields set to their defaults.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// DelayFor returns the delay to wait after the given failed attempt
// (1-based): min(MaxDelay, InitialDelay * Multiplier^(attempt-1)).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 1 + jitterFraction*(2*rand.Float64()-1)
		d = min(d, float64(p.MaxDelay))
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, returns an error for which retryable reports
// false, or MaxAttempts attempts have been made. Between attempts it sleeps
// [RetryPolicy.DelayFor]. A nil retryable treats every error as retryable.
//
// If ctx ends during a sleep, Do returns the last error from fn.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxAttempts || (retryable != nil && !retryable(err)) {
			return err
		}
		if !Sleep(ctx, p.DelayFor(attempt)) {
			return err
		}
	}
}

// Sleep waits for d or until ctx ends. It reports whether the full delay
// elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

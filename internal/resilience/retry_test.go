package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDefaultRetryPolicy(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	if p.MaxAttempts != 2 {
		t.Errorf("MaxAttempts = %d, want 2", p.MaxAttempts)
	}
	if p.InitialDelay != 50*time.Millisecond {
		t.Errorf("InitialDelay = %v, want 50ms", p.InitialDelay)
	}
	if p.MaxDelay != time.Second {
		t.Errorf("MaxDelay = %v, want 1s", p.MaxDelay)
	}
	if p.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2", p.Multiplier)
	}
	if p.Jitter {
		t.Error("Jitter should default to off")
	}
}

func TestRetryPolicy_DelayFor(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 50 * time.Millisecond},
		{1, 50 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{5, 800 * time.Millisecond},
		{6, time.Second},
		{1000, time.Second},
	}
	for _, tt := range tests {
		if got := p.DelayFor(tt.attempt); got != tt.want {
			t.Errorf("DelayFor(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicy_DelayForMonotonic(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 10, InitialDelay: 7 * time.Millisecond, MaxDelay: 3 * time.Second, Multiplier: 1.7}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 64; attempt++ {
		d := p.DelayFor(attempt)
		if d < prev {
			t.Fatalf("DelayFor(%d) = %v < DelayFor(%d) = %v", attempt, d, attempt-1, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("DelayFor(%d) = %v exceeds MaxDelay", attempt, d)
		}
		prev = d
	}
}

func TestRetryPolicy_JitterStaysInBounds(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	p.Jitter = true
	for range 200 {
		d := p.DelayFor(2)
		if d < 90*time.Millisecond || d > 110*time.Millisecond {
			t.Fatalf("jittered DelayFor(2) = %v, want within ±10%% of 100ms", d)
		}
		if m := p.DelayFor(50); m > p.MaxDelay {
			t.Fatalf("jittered delay %v exceeds MaxDelay", m)
		}
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	t.Parallel()

	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")
	fast := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	retryable := func(err error) bool { return errors.Is(err, errTransient) }

	tests := []struct {
		name     string
		results  []error
		wantErr  error
		wantRuns int
	}{
		{"first attempt succeeds", []error{nil}, nil, 1},
		{"succeeds after retry", []error{errTransient, nil}, nil, 2},
		{"gives up after max attempts", []error{errTransient, errTransient, errTransient, nil}, errTransient, 3},
		{"non-retryable stops", []error{errFatal, nil}, errFatal, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			runs := 0
			err := fast.Do(context.Background(), retryable, func(_ context.Context, attempt int) error {
				if attempt != runs+1 {
					t.Errorf("attempt = %d, want %d", attempt, runs+1)
				}
				err := tt.results[runs]
				runs++
				return err
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if runs != tt.wantRuns {
				t.Errorf("runs = %d, want %d", runs, tt.wantRuns)
			}
		})
	}
}

func TestRetryPolicy_DoStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	runs := 0
	start := time.Now()
	err := p.Do(ctx, nil, func(context.Context, int) error {
		runs++
		return errTest
	})
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want last attempt error", err)
	}
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Do slept %v past the context deadline", elapsed)
	}
}

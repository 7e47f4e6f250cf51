// Package resilience provides the circuit breaker and retry policy that guard
// every call to a tool server.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open) that
// counts failures in a sliding time window and admits exactly one probe while
// half-open. [RetryPolicy] computes exponential backoff delays and runs an
// operation until it succeeds, fails permanently, or runs out of attempts.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker
// refuses the call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state; all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped. Calls are rejected until
	// the recovery timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the recovery timeout.
	// One call at a time is let through; its outcome closes or re-opens the
	// breaker.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Default tuning for local tool servers.
const (
	DefaultFailureThreshold = 3
	DefaultFailureWindow    = 30 * time.Second
	DefaultRecoveryTimeout  = 5 * time.Second
	DefaultSuccessThreshold = 1
)

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// FailureThreshold is the number of failures inside FailureWindow that
	// trips the breaker. Default: 3.
	FailureThreshold int

	// FailureWindow is how long a recorded failure counts towards the
	// threshold. Default: 30s.
	FailureWindow time.Duration

	// RecoveryTimeout is how long the breaker stays open before it admits a
	// probe. Default: 5s.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive successful probes that
	// close the breaker again. Default: 1.
	SuccessThreshold int

	// OnStateChange, when set, is called after every transition. It runs
	// with the breaker's lock released.
	OnStateChange func(name string, from, to State)

	// Now returns the current time. Defaults to [time.Now].
	Now func() time.Time
}

// Admission is issued by [CircuitBreaker.Allow] for one admitted call and is
// handed back with its outcome. Only the admission of the current half-open
// probe can resolve that probe.
type Admission struct {
	probe uint64
}

// Probe reports whether the call was admitted as the half-open probe.
func (a Admission) Probe() bool { return a.probe != 0 }

// CircuitBreaker implements a three-state circuit breaker over a sliding
// failure window.
//
// In the closed state every call is allowed. Each failure is stamped into the
// window; stamps older than FailureWindow are pruned before the threshold is
// checked, and reaching FailureThreshold opens the breaker.
//
// In the open state calls are refused until RecoveryTimeout has elapsed since
// the breaker opened. The first call after that moves the breaker to
// half-open and becomes the probe.
//
// In the half-open state only one probe is in flight at a time. A failure of
// the probe re-opens the breaker; SuccessThreshold consecutive probe
// successes close it and clear the window. Outcomes of calls admitted before
// the breaker went half-open do not touch the probe.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	failureWindow    time.Duration
	recoveryTimeout  time.Duration
	successThreshold int
	onStateChange    func(name string, from, to State)
	now              func() time.Time

	mu           sync.Mutex
	state        State
	failures     []time.Time
	openedAt     time.Time
	probe        uint64 // in-flight probe, 0 when none
	probeSeq     uint64
	probeSuccess int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the given configuration.
// Zero-value fields in cfg are replaced with sensible defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultSuccessThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		failureWindow:    cfg.FailureWindow,
		recoveryTimeout:  cfg.RecoveryTimeout,
		successThreshold: cfg.SuccessThreshold,
		onStateChange:    cfg.OnStateChange,
		now:              cfg.Now,
		state:            StateClosed,
	}
}

// Allow reports whether a call may be attempted now. When it does, the
// returned [Admission] must be passed to exactly one of
// [CircuitBreaker.RecordSuccess], [CircuitBreaker.RecordFailure] or
// [CircuitBreaker.Abandon], otherwise a half-open breaker never admits
// another probe.
func (cb *CircuitBreaker) Allow() (Admission, bool) {
	cb.mu.Lock()
	var (
		from    State
		changed bool
		adm     Admission
		allowed bool
	)

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.recoveryTimeout {
			from, changed = cb.setState(StateHalfOpen)
			cb.probeSuccess = 0
			adm, allowed = cb.admitProbeLocked(), true
		}
	case StateHalfOpen:
		if cb.probe == 0 {
			adm, allowed = cb.admitProbeLocked(), true
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return adm, allowed
}

// admitProbeLocked marks a new probe as in flight. Caller must hold cb.mu.
func (cb *CircuitBreaker) admitProbeLocked() Admission {
	cb.probeSeq++
	cb.probe = cb.probeSeq
	return Admission{probe: cb.probe}
}

// isProbeLocked reports whether a belongs to the probe now in flight.
// Caller must hold cb.mu.
func (cb *CircuitBreaker) isProbeLocked(a Admission) bool {
	return cb.state == StateHalfOpen && a.probe != 0 && a.probe == cb.probe
}

// RecordSuccess reports that the call admitted with a succeeded.
func (cb *CircuitBreaker) RecordSuccess(a Admission) {
	cb.mu.Lock()
	var from State
	changed := false

	if cb.isProbeLocked(a) {
		cb.probe = 0
		cb.probeSuccess++
		if cb.probeSuccess >= cb.successThreshold {
			from, changed = cb.setState(StateClosed)
			cb.failures = cb.failures[:0]
			cb.probeSuccess = 0
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateClosed)
	}
}

// RecordFailure reports that the call admitted with a failed. Failures
// reported while the breaker is open, and failures of non-probe calls while
// it is half-open, belong to calls admitted earlier and are ignored.
func (cb *CircuitBreaker) RecordFailure(a Admission) {
	cb.mu.Lock()
	now := cb.now()
	var from State
	changed := false

	switch {
	case cb.state == StateClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneLocked(now)
		if len(cb.failures) >= cb.failureThreshold {
			from, changed = cb.setState(StateOpen)
			cb.openedAt = now
		}
	case cb.isProbeLocked(a):
		from, changed = cb.setState(StateOpen)
		cb.openedAt = now
		cb.probe = 0
		cb.probeSuccess = 0
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateOpen)
	}
}

// Abandon releases an admitted call without an outcome, for example when the
// caller cancelled it. If a was the half-open probe, the next probe may be
// admitted.
func (cb *CircuitBreaker) Abandon(a Admission) {
	cb.mu.Lock()
	if cb.isProbeLocked(a) {
		cb.probe = 0
	}
	cb.mu.Unlock()
}

// Execute runs fn if the breaker allows it and records the outcome. It returns
// [ErrCircuitOpen] without calling fn when the breaker refuses the call. An
// error caused by ctx ending is not counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	adm, ok := cb.Allow()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess(adm)
	case ctx.Err() != nil:
		cb.Abandon(adm)
	default:
		cb.RecordFailure(adm)
	}
	return err
}

// State returns the current state of the breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the number of failures currently inside the window.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked(cb.now())
	return len(cb.failures)
}

// Name returns the label given at construction.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Reset forces the breaker back to the closed state and clears the window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, changed := cb.setState(StateClosed)
	cb.failures = cb.failures[:0]
	cb.probe = 0
	cb.probeSuccess = 0
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateClosed)
	}
}

// pruneLocked drops failure stamps older than the window.
// Caller must hold cb.mu.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.failureWindow)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}

// setState records a transition and reports whether it changed anything.
// Caller must hold cb.mu.
func (cb *CircuitBreaker) setState(to State) (State, bool) {
	from := cb.state
	if from == to {
		return from, false
	}
	cb.state = to
	return from, true
}

func (cb *CircuitBreaker) notify(from, to State) {
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened", "name", cb.name, "from", from.String())
	case StateHalfOpen:
		slog.Info("circuit breaker half-open, admitting probe", "name", cb.name)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", cb.name, "from", from.String())
	}
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

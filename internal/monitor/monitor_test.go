package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ─── requests ───────────────────────────────────────────────────────────────

// Six concurrent requests against a limit of five: exactly five are admitted.
func TestMonitor_TryBeginRejectsOverLimit(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	m.SetLimits("fs", Limits{MaxActiveRequests: 5})

	var admitted, rejected atomic.Int32
	guards := make(chan *Guard, 6)
	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := m.TryBegin("fs")
			if err != nil {
				if !errors.Is(err, ErrLimitExceeded) {
					t.Errorf("err = %v, want ErrLimitExceeded", err)
				}
				rejected.Add(1)
				return
			}
			admitted.Add(1)
			guards <- g
		}()
	}
	wg.Wait()
	close(guards)

	if admitted.Load() != 5 || rejected.Load() != 1 {
		t.Fatalf("admitted %d rejected %d, want 5 and 1", admitted.Load(), rejected.Load())
	}
	c, _ := m.Counters("fs")
	if c.ActiveRequests != 5 || c.Rejected != 1 {
		t.Errorf("counters = %+v", c)
	}

	for g := range guards {
		g.Release()
	}
	if got := m.ActiveRequests("fs"); got != 0 {
		t.Errorf("ActiveRequests after release = %d, want 0", got)
	}
}

func TestGuard_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	m.SetLimits("fs", Limits{MaxActiveRequests: 2})

	g1, _ := m.TryBegin("fs")
	g2, _ := m.TryBegin("fs")
	if g1.ID() == "" || g1.ID() == g2.ID() {
		t.Fatalf("request ids %q and %q should be distinct", g1.ID(), g2.ID())
	}

	g1.Release()
	g1.Release()
	if got := m.ActiveRequests("fs"); got != 1 {
		t.Fatalf("ActiveRequests = %d, want 1 (double release must not over-decrement)", got)
	}
	g2.Release()
}

func TestMonitor_ServersAreIndependent(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	m.SetLimits("a", Limits{MaxActiveRequests: 1})
	m.SetLimits("b", Limits{MaxActiveRequests: 1})

	if _, err := m.TryBegin("a"); err != nil {
		t.Fatalf("a: %v", err)
	}
	if _, err := m.TryBegin("b"); err != nil {
		t.Fatalf("b blocked by a: %v", err)
	}
}

func TestMonitor_ZeroLimitIsUnlimited(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	for range 100 {
		if _, err := m.TryBegin("free"); err != nil {
			t.Fatalf("TryBegin: %v", err)
		}
	}
}

// ─── connections ────────────────────────────────────────────────────────────

func TestMonitor_ConnectionLimit(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	m.SetLimits("db", Limits{MaxConnections: 2})

	for range 2 {
		if err := m.ConnectionOpened("db"); err != nil {
			t.Fatalf("ConnectionOpened: %v", err)
		}
	}
	err := m.ConnectionOpened("db")
	var le *LimitError
	if !errors.As(err, &le) || le.Resource != "connections" || le.Limit != 2 {
		t.Fatalf("err = %v, want connections LimitError", err)
	}

	m.ConnectionClosed("db")
	if err := m.ConnectionOpened("db"); err != nil {
		t.Fatalf("ConnectionOpened after close: %v", err)
	}
	c, _ := m.Counters("db")
	if c.ActiveConnections != 2 {
		t.Errorf("ActiveConnections = %d, want 2", c.ActiveConnections)
	}
}

// ─── sweep ──────────────────────────────────────────────────────────────────

func TestMonitor_SweepRunsEvictorsAndHooks(t *testing.T) {
	t.Parallel()

	clk := newClock()
	m := New(Config{Now: clk.Now})

	var evictedAt time.Time
	m.RegisterEvictor("fs", func(now time.Time) int {
		evictedAt = now
		return 2
	})
	hookRan := false
	m.OnSweep(func(context.Context, time.Time) { hookRan = true })

	r := m.Sweep(context.Background(), clk.Now())
	if r.Evicted != 2 {
		t.Errorf("Evicted = %d, want 2", r.Evicted)
	}
	if !evictedAt.Equal(clk.Now()) {
		t.Errorf("evictor got %v, want sweep time", evictedAt)
	}
	if !hookRan {
		t.Error("sweep hook did not run")
	}
}

func TestMonitor_SweepPrunesQuietServers(t *testing.T) {
	t.Parallel()

	clk := newClock()
	m := New(Config{Retention: time.Minute, Now: clk.Now})
	m.SetLimits("quiet", Limits{MaxActiveRequests: 1})

	g, _ := m.TryBegin("quiet")
	g.Release()
	busy, _ := m.TryBegin("busy")

	clk.Advance(59 * time.Second)
	if r := m.Sweep(context.Background(), clk.Now()); r.Pruned != 0 {
		t.Fatalf("pruned %d before retention", r.Pruned)
	}

	clk.Advance(time.Second)
	r := m.Sweep(context.Background(), clk.Now())
	if r.Pruned != 1 {
		t.Fatalf("Pruned = %d, want 1 (busy server must be kept)", r.Pruned)
	}
	if _, ok := m.Counters("quiet"); ok {
		t.Error("quiet server counters still present")
	}
	if _, ok := m.Counters("busy"); !ok {
		t.Error("busy server counters pruned")
	}

	// Limits survive pruning.
	if _, err := m.TryBegin("quiet"); err != nil {
		t.Fatalf("TryBegin after prune: %v", err)
	}
	if _, err := m.TryBegin("quiet"); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("limit lost after prune: err = %v", err)
	}
	busy.Release()
}

func TestMonitor_SweepReportsStaleRequests(t *testing.T) {
	t.Parallel()

	clk := newClock()
	m := New(Config{StaleThreshold: time.Minute, Now: clk.Now})

	g, _ := m.TryBegin("slow")
	clk.Advance(2 * time.Minute)

	if r := m.Sweep(context.Background(), clk.Now()); r.StaleRequests != 1 {
		t.Errorf("StaleRequests = %d, want 1", r.StaleRequests)
	}
	g.Release()
}

func TestMonitor_UnregisterServer(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	m.SetLimits("gone", Limits{MaxActiveRequests: 1})
	calls := 0
	m.RegisterEvictor("gone", func(time.Time) int { calls++; return 0 })

	m.UnregisterServer("gone")
	m.Sweep(context.Background(), time.Now())
	if calls != 0 {
		t.Error("evictor of unregistered server still runs")
	}
	for range 3 {
		if _, err := m.TryBegin("gone"); err != nil {
			t.Fatalf("limit of unregistered server still enforced: %v", err)
		}
	}
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	m := New(Config{})
	var sweeps atomic.Int32
	m.OnSweep(func(context.Context, time.Time) { sweeps.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for sweeps.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if sweeps.Load() < 2 {
		t.Errorf("sweeps = %d, want at least 2", sweeps.Load())
	}
}

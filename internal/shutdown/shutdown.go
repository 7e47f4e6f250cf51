// Package shutdown drains every registered tool server within one global
// deadline.
//
// [Coordinator.InitiateShutdown] flips all servers to Draining so no new call
// is admitted, then drains them in parallel. Each server gets its own
// sub-timeout; a server that does not finish in time, or whose drain fails,
// is force-closed. The call returns when every server is Closed or the global
// deadline has passed, whichever comes first.
package shutdown

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// DefaultServerTimeout bounds the graceful drain of a single server.
const DefaultServerTimeout = 5 * time.Second

// Status is the shutdown state of one server.
type Status int

const (
	// NotStarted means the server accepts calls.
	NotStarted Status = iota

	// Draining means new calls are refused while in-flight calls finish.
	Draining

	// Closed means the server's connections are closed.
	Closed
)

// String returns a lowercase name for the status.
func (s Status) String() string {
	switch s {
	case NotStarted:
		return "running"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Closer drains one server.
type Closer interface {
	// Drain waits for in-flight calls to finish and closes the server's
	// connections, or returns an error when ctx ends first.
	Drain(ctx context.Context) error

	// ForceClose closes everything immediately. It must be safe to call more
	// than once and concurrently with Drain.
	ForceClose()
}

// Report describes how a shutdown went.
type Report struct {
	Graceful         []mcp.ServerID
	Forced           []mcp.ServerID
	Elapsed          time.Duration
	DeadlineExceeded bool
}

// Config holds the coordinator tuning.
type Config struct {
	// ServerTimeout bounds each server's graceful drain. It is capped at the
	// global deadline. Default: 5s.
	ServerTimeout time.Duration
}

type entry struct {
	closer Closer
	status Status
}

// Coordinator tracks the shutdown state of every server. It is safe for
// concurrent use.
type Coordinator struct {
	cfg Config

	mu      sync.Mutex
	servers map[mcp.ServerID]*entry
	started bool
	done    chan struct{}
	report  Report
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.ServerTimeout <= 0 {
		cfg.ServerTimeout = DefaultServerTimeout
	}
	return &Coordinator{
		cfg:     cfg,
		servers: make(map[mcp.ServerID]*entry),
		done:    make(chan struct{}),
	}
}

// Register adds a server. A server registered after shutdown began starts
// out Draining and is force-closed once its sub-timeout elapses.
func (c *Coordinator) Register(server mcp.ServerID, closer Closer) {
	c.mu.Lock()
	e := &entry{closer: closer}
	c.servers[server] = e
	late := c.started
	if late {
		e.status = Draining
	}
	c.mu.Unlock()

	if late {
		slog.Warn("shutdown: server registered during shutdown", "server", server)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ServerTimeout)
			defer cancel()
			c.closeOne(ctx, server, e)
		}()
	}
}

// Unregister forgets server. It does not close anything.
func (c *Coordinator) Unregister(server mcp.ServerID) {
	c.mu.Lock()
	delete(c.servers, server)
	c.mu.Unlock()
}

// Status returns server's shutdown status. Unknown servers report Closed once
// shutdown started and NotStarted before.
func (c *Coordinator) Status(server mcp.ServerID) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.servers[server]; ok {
		return e.status
	}
	if c.started {
		return Closed
	}
	return NotStarted
}

// IsDraining reports whether server no longer accepts calls.
func (c *Coordinator) IsDraining(server mcp.ServerID) bool {
	return c.Status(server) != NotStarted
}

// Started reports whether InitiateShutdown has been called.
func (c *Coordinator) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// InitiateShutdown drains every registered server and returns within
// deadline. Servers still draining at the deadline are force-closed in the
// background and reported as forced. Later calls wait for the first one and
// return its report.
func (c *Coordinator) InitiateShutdown(ctx context.Context, deadline time.Duration) Report {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		select {
		case <-c.done:
		case <-ctx.Done():
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.report
	}
	c.started = true
	entries := make(map[mcp.ServerID]*entry, len(c.servers))
	for id, e := range c.servers {
		e.status = Draining
		entries[id] = e
	}
	c.mu.Unlock()

	start := time.Now()
	slog.Info("shutdown: draining servers", "servers", len(entries), "deadline", deadline.String())

	gctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	sub := min(c.cfg.ServerTimeout, deadline)
	type result struct {
		id     mcp.ServerID
		forced bool
	}
	results := make(chan result, len(entries))
	for id, e := range entries {
		go func() {
			sctx, scancel := context.WithTimeout(gctx, sub)
			defer scancel()
			results <- result{id: id, forced: c.closeOne(sctx, id, e)}
		}()
	}

	var report Report
	pending := pendingSet(entries)
collect:
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.id)
			if r.forced {
				report.Forced = append(report.Forced, r.id)
			} else {
				report.Graceful = append(report.Graceful, r.id)
			}
		case <-gctx.Done():
			break collect
		}
	}
	report.DeadlineExceeded = gctx.Err() != nil

	for id := range pending {
		e := entries[id]
		report.Forced = append(report.Forced, id)
		slog.Warn("shutdown: deadline passed, force-closing", "server", id)
		go e.closer.ForceClose()
	}

	slices.Sort(report.Graceful)
	slices.Sort(report.Forced)
	report.Elapsed = time.Since(start)

	c.mu.Lock()
	c.report = report
	c.mu.Unlock()
	close(c.done)

	slog.Info("shutdown: finished",
		"graceful", len(report.Graceful),
		"forced", len(report.Forced),
		"elapsed", report.Elapsed.String(),
		"deadline_exceeded", report.DeadlineExceeded,
	)
	return report
}

// closeOne drains one server, force-closing it when the drain fails. It
// reports whether the close was forced.
func (c *Coordinator) closeOne(ctx context.Context, id mcp.ServerID, e *entry) bool {
	forced := false
	if err := e.closer.Drain(ctx); err != nil {
		slog.Warn("shutdown: drain failed, force-closing", "server", id, "err", err)
		e.closer.ForceClose()
		forced = true
	}
	c.mu.Lock()
	e.status = Closed
	c.mu.Unlock()
	return forced
}

func pendingSet(entries map[mcp.ServerID]*entry) map[mcp.ServerID]struct{} {
	out := make(map[mcp.ServerID]struct{}, len(entries))
	for id := range entries {
		out[id] = struct{}{}
	}
	return out
}

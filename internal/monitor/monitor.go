// Package monitor tracks live connections and requests per tool server and
// enforces the per-server limits.
//
// Limits are enforced by rejection, never by queueing: a caller that would
// exceed a limit gets [ErrLimitExceeded] straight away and decides for itself
// whether to try again. A background sweep ([Monitor.Run]) evicts idle pooled
// connections, reports requests that have been running for too long and
// forgets servers that have been quiet for longer than the retention period.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// ErrLimitExceeded is matched by every [*LimitError].
var ErrLimitExceeded = errors.New("monitor: limit exceeded")

// LimitError describes which limit rejected a request or connection.
type LimitError struct {
	Server   mcp.ServerID
	Resource string // "requests" or "connections"
	Limit    int
}

// Error implements the error interface.
func (e *LimitError) Error() string {
	return fmt.Sprintf("monitor: %s: %s limit of %d reached", e.Server, e.Resource, e.Limit)
}

// Is reports whether target is [ErrLimitExceeded].
func (e *LimitError) Is(target error) bool { return target == ErrLimitExceeded }

// Default monitor settings.
const (
	DefaultSweepInterval  = 30 * time.Second
	DefaultRetention      = 5 * time.Minute
	DefaultStaleThreshold = 2 * time.Minute
)

// Limits are the per-server caps. A zero field means unlimited.
type Limits struct {
	MaxConnections    int
	MaxActiveRequests int
}

// Counters is a snapshot of one server's live counts.
type Counters struct {
	ActiveConnections int
	ActiveRequests    int
	Admitted          int64
	Rejected          int64
	LastActivity      time.Time
}

// counters is the mutable per-server state. Each server has its own mutex.
type counters struct {
	mu           sync.Mutex
	activeConns  int
	requests     map[string]time.Time // request id → start
	admitted     int64
	rejected     int64
	lastActivity time.Time
	rejectLog    *rate.Limiter
	pruned       bool
}

// Config holds the monitor settings.
type Config struct {
	// Retention is how long a quiet server's counters are kept.
	Retention time.Duration

	// StaleThreshold is the age after which a running request is reported by
	// the sweep.
	StaleThreshold time.Duration

	// Now returns the current time. Defaults to [time.Now].
	Now func() time.Time
}

// Monitor holds per-server counters and limits.
type Monitor struct {
	cfg Config

	mu       sync.RWMutex
	servers  map[mcp.ServerID]*counters
	limits   map[mcp.ServerID]Limits
	evictors map[mcp.ServerID]func(time.Time) int
	hooks    []SweepHook
}

// New creates a Monitor.
func New(cfg Config) *Monitor {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		cfg:      cfg,
		servers:  make(map[mcp.ServerID]*counters),
		limits:   make(map[mcp.ServerID]Limits),
		evictors: make(map[mcp.ServerID]func(time.Time) int),
	}
}

// SetLimits sets the caps for server. Limits survive counter pruning.
func (m *Monitor) SetLimits(server mcp.ServerID, l Limits) {
	m.mu.Lock()
	m.limits[server] = l
	m.mu.Unlock()
}

// UnregisterServer forgets the server's limits, evictor and counters.
func (m *Monitor) UnregisterServer(server mcp.ServerID) {
	m.mu.Lock()
	delete(m.limits, server)
	delete(m.evictors, server)
	if c, ok := m.servers[server]; ok {
		c.mu.Lock()
		c.pruned = true
		c.mu.Unlock()
		delete(m.servers, server)
	}
	m.mu.Unlock()
}

// Guard represents one admitted request. Release it exactly once when the
// request ends; further calls are no-ops.
type Guard struct {
	m      *Monitor
	server mcp.ServerID
	id     string
	start  time.Time
	once   sync.Once
}

// ID returns the request id assigned at admission.
func (g *Guard) ID() string { return g.id }

// Start returns when the request was admitted.
func (g *Guard) Start() time.Time { return g.start }

// Release decrements the server's active request count.
func (g *Guard) Release() {
	g.once.Do(func() {
		c := g.m.lock(g.server)
		delete(c.requests, g.id)
		c.lastActivity = g.m.cfg.Now()
		c.mu.Unlock()
	})
}

// TryBegin admits a request to server or rejects it with a [*LimitError]
// when MaxActiveRequests requests are already running.
func (m *Monitor) TryBegin(server mcp.ServerID) (*Guard, error) {
	limit := m.limitsFor(server).MaxActiveRequests
	now := m.cfg.Now()

	c := m.lock(server)
	if limit > 0 && len(c.requests) >= limit {
		c.rejected++
		logIt := c.rejectLog.Allow()
		c.mu.Unlock()
		if logIt {
			slog.Warn("monitor: request rejected", "server", server, "limit", limit)
		}
		return nil, &LimitError{Server: server, Resource: "requests", Limit: limit}
	}
	g := &Guard{m: m, server: server, id: ulid.Make().String(), start: now}
	c.requests[g.id] = now
	c.admitted++
	c.lastActivity = now
	c.mu.Unlock()

	return g, nil
}

// ConnectionOpened counts a new connection to server, or rejects it with a
// [*LimitError] when MaxConnections are already open.
func (m *Monitor) ConnectionOpened(server mcp.ServerID) error {
	limit := m.limitsFor(server).MaxConnections
	c := m.lock(server)
	defer c.mu.Unlock()
	if limit > 0 && c.activeConns >= limit {
		c.rejected++
		if c.rejectLog.Allow() {
			slog.Warn("monitor: connection rejected", "server", server, "limit", limit)
		}
		return &LimitError{Server: server, Resource: "connections", Limit: limit}
	}
	c.activeConns++
	c.lastActivity = m.cfg.Now()
	return nil
}

// ConnectionClosed counts a closed connection to server.
func (m *Monitor) ConnectionClosed(server mcp.ServerID) {
	c := m.lock(server)
	if c.activeConns > 0 {
		c.activeConns--
	}
	c.lastActivity = m.cfg.Now()
	c.mu.Unlock()
}

// Counters returns a snapshot of server's counters. The second result is
// false when nothing is tracked for server.
func (m *Monitor) Counters(server mcp.ServerID) (Counters, bool) {
	m.mu.RLock()
	c, ok := m.servers[server]
	m.mu.RUnlock()
	if !ok {
		return Counters{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counters{
		ActiveConnections: c.activeConns,
		ActiveRequests:    len(c.requests),
		Admitted:          c.admitted,
		Rejected:          c.rejected,
		LastActivity:      c.lastActivity,
	}, true
}

// ActiveRequests returns the number of running requests for server.
func (m *Monitor) ActiveRequests(server mcp.ServerID) int {
	c, _ := m.Counters(server)
	return c.ActiveRequests
}

func (m *Monitor) limitsFor(server mcp.ServerID) Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits[server]
}

// counters returns server's counters, creating them on first use.
func (m *Monitor) counters(server mcp.ServerID) *counters {
	m.mu.RLock()
	c, ok := m.servers[server]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.servers[server]; ok {
		return c
	}
	c = &counters{
		requests:     make(map[string]time.Time),
		lastActivity: m.cfg.Now(),
		rejectLog:    rate.NewLimiter(rate.Every(time.Second), 1),
	}
	m.servers[server] = c
	return c
}

// lock returns server's live counters with their mutex held. Counters pruned
// by a concurrent sweep are skipped so that no update lands in a dropped
// entry.
func (m *Monitor) lock(server mcp.ServerID) *counters {
	for {
		c := m.counters(server)
		c.mu.Lock()
		if !c.pruned {
			return c
		}
		c.mu.Unlock()
	}
}

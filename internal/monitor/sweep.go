package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// SweepHook runs once per sweep after the evictors. It is used for periodic
// housekeeping that belongs to the same cadence, such as purging expired
// shared cache rows.
type SweepHook func(ctx context.Context, now time.Time)

// SweepReport summarises one sweep.
type SweepReport struct {
	Evicted       int
	Pruned        int
	StaleRequests int
}

// RegisterEvictor sets the idle-connection evictor for server. The sweep calls
// it with the sweep time; it returns how many connections it closed.
func (m *Monitor) RegisterEvictor(server mcp.ServerID, evict func(now time.Time) int) {
	m.mu.Lock()
	m.evictors[server] = evict
	m.mu.Unlock()
}

// OnSweep adds a hook to every future sweep.
func (m *Monitor) OnSweep(h SweepHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// Run sweeps every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	slog.Info("monitor: sweeper starting", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor: sweeper stopping")
			return
		case <-ticker.C:
			m.Sweep(ctx, m.cfg.Now())
		}
	}
}

// Sweep evicts idle connections of every server, runs the sweep hooks, logs
// requests older than the stale threshold and prunes counters of servers that
// have nothing active and no activity within the retention period.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) SweepReport {
	var report SweepReport

	m.mu.RLock()
	evictors := make(map[mcp.ServerID]func(time.Time) int, len(m.evictors))
	for id, fn := range m.evictors {
		evictors[id] = fn
	}
	hooks := append([]SweepHook(nil), m.hooks...)
	m.mu.RUnlock()

	for id, evict := range evictors {
		if n := evict(now); n > 0 {
			report.Evicted += n
			slog.Debug("monitor: evicted idle connections", "server", id, "count", n)
		}
	}

	for _, h := range hooks {
		if ctx.Err() != nil {
			break
		}
		h(ctx, now)
	}

	m.mu.Lock()
	for id, c := range m.servers {
		c.mu.Lock()
		for reqID, start := range c.requests {
			if age := now.Sub(start); age >= m.cfg.StaleThreshold {
				report.StaleRequests++
				slog.Warn("monitor: long-running request", "server", id, "request_id", reqID, "age", age.String())
			}
		}
		if len(c.requests) == 0 && c.activeConns == 0 && now.Sub(c.lastActivity) >= m.cfg.Retention {
			c.pruned = true
			delete(m.servers, id)
			report.Pruned++
		}
		c.mu.Unlock()
	}
	m.mu.Unlock()

	if report.Evicted > 0 || report.Pruned > 0 || report.StaleRequests > 0 {
		slog.Info("monitor: sweep finished",
			"evicted", report.Evicted,
			"pruned", report.Pruned,
			"stale_requests", report.StaleRequests,
		)
	}
	return report
}

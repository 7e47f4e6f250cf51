package invoker

import (
	"github.com/MrWong99/toolgate/internal/mcp"
	"github.com/MrWong99/toolgate/internal/resilience"
)

// Degraded-health thresholds on the rolling window.
const (
	degradedErrorRate  = 0.3
	degradedMinSamples = 5
)

// Snapshot implements [mcp.Invoker].
func (inv *Invoker) Snapshot(id mcp.ServerID) (mcp.Snapshot, bool) {
	s, ok := inv.server(id)
	if !ok {
		return mcp.Snapshot{}, false
	}
	return inv.snapshot(s), true
}

// Snapshots returns the snapshot of every registered server, sorted by id.
func (inv *Invoker) Snapshots() []mcp.Snapshot {
	ids := inv.Servers()
	out := make([]mcp.Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := inv.Snapshot(id); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (inv *Invoker) snapshot(s *serverState) mcp.Snapshot {
	id := s.cfg.Name
	lat := s.latency.Stats()
	ps := s.pool.Stats()
	counters, _ := inv.monitor.Counters(id)

	snap := mcp.Snapshot{
		Server:            id,
		Transport:         s.cfg.Transport,
		CircuitState:      s.breaker.State().String(),
		ShutdownStatus:    inv.coord.Status(id).String(),
		ActiveConnections: counters.ActiveConnections,
		ActiveRequests:    counters.ActiveRequests,
		PoolSize:          ps.Size,
		PoolReuseRate:     ps.ReuseRate(),
		P50:               lat.P50,
		P95:               lat.P95,
		P99:               lat.P99,
		ErrorRate:         lat.ErrorRate,
		Calls:             lat.Total,
	}
	if hits, misses := s.cacheHits.Load(), s.cacheMisses.Load(); hits+misses > 0 {
		snap.CacheHitRate = float64(hits) / float64(hits+misses)
	}
	snap.Health = inv.health(s, lat)
	return snap
}

// HealthCheck implements [mcp.Invoker]. Unknown servers are Down.
func (inv *Invoker) HealthCheck(id mcp.ServerID) mcp.Health {
	s, ok := inv.server(id)
	if !ok {
		return mcp.HealthDown
	}
	return inv.health(s, s.latency.Stats())
}

// health is Down while the breaker is open or the server is shutting down,
// Degraded while the breaker probes, P95 exceeds the server's degraded
// latency or the error rate is high, and Healthy otherwise.
func (inv *Invoker) health(s *serverState, lat windowStats) mcp.Health {
	state := s.breaker.State()
	switch {
	case state == resilience.StateOpen, inv.coord.IsDraining(s.cfg.Name):
		return mcp.HealthDown
	case state == resilience.StateHalfOpen:
		return mcp.HealthDegraded
	case lat.P95 > s.cfg.Tuning.DegradedLatency:
		return mcp.HealthDegraded
	case lat.Samples >= degradedMinSamples && lat.ErrorRate >= degradedErrorRate:
		return mcp.HealthDegraded
	default:
		return mcp.HealthHealthy
	}
}

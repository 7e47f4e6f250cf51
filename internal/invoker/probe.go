package invoker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// Probe pings every server that is not shutting down, concurrently. The pings
// go through the normal call path, so they feed each server's breaker and
// latency window: an open breaker admits its half-open probe here once the
// recovery timeout has passed, without waiting for real traffic.
//
// Individual failures are logged and otherwise ignored; Probe only returns
// ctx's error.
func (inv *Invoker) Probe(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit())

	for _, id := range inv.Servers() {
		if inv.coord.IsDraining(id) {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			inv.probeOne(gctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (inv *Invoker) probeOne(ctx context.Context, id mcp.ServerID) {
	start := time.Now()
	_, err := inv.Call(ctx, id, mcp.MethodPing, nil, false)
	if err != nil {
		slog.Debug("invoker: probe failed", "server", id, "kind", mcp.KindOf(err).String(), "err", err)
		return
	}
	slog.Debug("invoker: probe ok", "server", id, "latency", time.Since(start).String())
}

// RunProbes calls Probe every interval until ctx is cancelled.
func (inv *Invoker) RunProbes(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = inv.Probe(ctx)
		}
	}
}

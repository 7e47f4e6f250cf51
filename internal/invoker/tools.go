package invoker

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// listToolsResult is the part of a tools/list result the Invoker reads.
type listToolsResult struct {
	Tools []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	} `json:"tools"`
}

// fanOutLimit bounds concurrent calls when every server is contacted.
func fanOutLimit() int {
	return 2 * runtime.GOMAXPROCS(0)
}

// ListAvailableTools implements [mcp.Invoker]. It lists every server that is
// not shutting down concurrently; servers that fail are skipped with a
// warning. Results are cached like any other cacheable call and sorted by
// server and tool name.
func (inv *Invoker) ListAvailableTools(ctx context.Context) ([]mcp.ToolDescriptor, error) {
	var (
		mu    sync.Mutex
		tools []mcp.ToolDescriptor
	)

	var g errgroup.Group
	g.SetLimit(fanOutLimit())
	for _, id := range inv.Servers() {
		if inv.coord.IsDraining(id) {
			continue
		}
		g.Go(func() error {
			raw, err := inv.Call(ctx, id, mcp.MethodToolsList, nil, true)
			if err != nil {
				slog.Warn("invoker: listing tools failed, skipping server", "server", id, "err", err)
				return nil
			}
			var res listToolsResult
			if err := json.Unmarshal(raw, &res); err != nil {
				slog.Warn("invoker: malformed tools/list result", "server", id, "err", err)
				return nil
			}
			mu.Lock()
			for _, t := range res.Tools {
				tools = append(tools, mcp.ToolDescriptor{
					Server:      id,
					Name:        t.Name,
					Description: t.Description,
					InputSchema: t.InputSchema,
				})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(tools, func(a, b mcp.ToolDescriptor) int {
		return cmp.Or(cmp.Compare(a.Server, b.Server), cmp.Compare(a.Name, b.Name))
	})
	return tools, nil
}

package pool

import (
	"context"
	"time"

	"github.com/MrWong99/toolgate/internal/mcp"
	"github.com/MrWong99/toolgate/internal/mcp/transport"
)

// Conn is a pooled connection. It is either idle in its pool or checked out
// to in-flight calls; give it back with [Pool.Release] or [Pool.Discard].
type Conn struct {
	conn      transport.Conn
	pool      *Pool
	id        uint64
	transport mcp.Transport
	createdAt time.Time

	// Guarded by pool.mu.
	lastUsedAt time.Time
	streams    int
	removed    bool
}

// Send forwards req over the underlying transport connection.
func (c *Conn) Send(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	return c.conn.Send(ctx, req)
}

// ID returns the pool-local number of the connection.
func (c *Conn) ID() uint64 { return c.id }

// Transport returns the transport kind of the connection.
func (c *Conn) Transport() mcp.Transport { return c.transport }

// CreatedAt returns when the connection was dialled.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// LastUsedAt returns when the connection was last acquired or released.
func (c *Conn) LastUsedAt() time.Time {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.lastUsedAt
}

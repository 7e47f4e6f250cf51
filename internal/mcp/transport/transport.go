// Package transport implements the connection variants used to reach MCP
// tool servers.
//
// Every variant satisfies [Conn]: a cancellable Send of one JSON-RPC request,
// a liveness check, and Close. The variant is chosen once, when a server is
// registered, by [NewDialer]:
//
//   - [mcp.TransportHTTP]: one POST per request, one call per connection.
//   - [mcp.TransportWebSocket]: persistent duplex connection, concurrent
//     calls matched by JSON-RPC id.
//   - [mcp.TransportStdio]: subprocess driven through the MCP go-sdk.
//   - [mcp.TransportStreamableHTTP]: MCP streamable HTTP session through the
//     go-sdk.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// ErrClosed is returned by Send on a connection that has been closed or whose
// peer went away.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one live connection to a tool server.
//
// Send must honour ctx cancellation. Multiplexed connections must allow
// concurrent Send calls.
type Conn interface {
	// Send delivers req and waits for the matching response. A JSON-RPC error
	// is returned inside the response, not as the error value.
	Send(ctx context.Context, req *mcp.Request) (*mcp.Response, error)

	// Alive reports whether the connection can still carry requests.
	Alive() bool

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens a new connection.
type Dialer func(ctx context.Context) (Conn, error)

// NewDialer returns the dialer for cfg's transport.
func NewDialer(cfg mcp.ServerConfig) (Dialer, error) {
	switch cfg.Transport {
	case mcp.TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("transport: server %q: url is required for %s", cfg.Name, cfg.Transport)
		}
		client := &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
		return func(ctx context.Context) (Conn, error) {
			return NewHTTPConn(client, cfg.URL, cfg.Headers), nil
		}, nil

	case mcp.TransportWebSocket:
		if cfg.URL == "" {
			return nil, fmt.Errorf("transport: server %q: url is required for %s", cfg.Name, cfg.Transport)
		}
		return func(ctx context.Context) (Conn, error) {
			return DialWebSocket(ctx, cfg.URL, cfg.Headers)
		}, nil

	case mcp.TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("transport: server %q: command is required for %s", cfg.Name, cfg.Transport)
		}
		return func(ctx context.Context) (Conn, error) {
			return DialStdio(ctx, cfg.Command, cfg.Env)
		}, nil

	case mcp.TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("transport: server %q: url is required for %s", cfg.Name, cfg.Transport)
		}
		return func(ctx context.Context) (Conn, error) {
			return DialStreamable(ctx, cfg.URL, cfg.Headers)
		}, nil

	default:
		return nil, fmt.Errorf("transport: server %q: unsupported transport %q", cfg.Name, cfg.Transport)
	}
}

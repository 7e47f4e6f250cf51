package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// clientVersion is reported to MCP servers during initialisation.
const clientVersion = "1.0.0"

// sdkClient is shared by every session; it carries no per-connection state.
var sdkClient = mcpsdk.NewClient(&mcpsdk.Implementation{Name: "toolgate", Version: clientVersion}, nil)

// SessionConn adapts an MCP go-sdk client session to [Conn]. The session
// performs the protocol handshake and multiplexes concurrent requests itself;
// Send maps JSON-RPC methods onto the session's typed calls.
type SessionConn struct {
	session *mcpsdk.ClientSession
	done    chan struct{}
}

var _ Conn = (*SessionConn)(nil)

// DialStdio starts command as a subprocess and opens an MCP session over its
// stdin/stdout. The process outlives ctx; it is stopped by Close.
func DialStdio(ctx context.Context, command string, env map[string]string) (*SessionConn, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, errors.New("transport: stdio: empty command")
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	conn, err := NewSessionConn(ctx, &mcpsdk.CommandTransport{Command: cmd})
	if err != nil {
		return nil, fmt.Errorf("transport: stdio: %w", err)
	}
	return conn, nil
}

// DialStreamable opens an MCP streamable HTTP session to url.
func DialStreamable(ctx context.Context, url string, headers map[string]string) (*SessionConn, error) {
	t := &mcpsdk.StreamableClientTransport{Endpoint: url}
	if len(headers) > 0 {
		t.HTTPClient = &http.Client{Transport: &headerTransport{base: http.DefaultTransport, headers: headers}}
	}
	conn, err := NewSessionConn(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("transport: streamable-http: %w", err)
	}
	return conn, nil
}

// NewSessionConn connects the shared client over t. Tests pass in-memory
// transports here.
func NewSessionConn(ctx context.Context, t mcpsdk.Transport) (*SessionConn, error) {
	session, err := sdkClient.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	c := &SessionConn{session: session, done: make(chan struct{})}
	go func() {
		_ = session.Wait()
		close(c.done)
	}()
	return c, nil
}

// Send implements [Conn]. Methods the session has no typed call for are
// answered with a method-not-found error response.
func (c *SessionConn) Send(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	if !c.Alive() {
		return nil, ErrClosed
	}

	result, err := c.dispatch(ctx, req)
	if err != nil {
		var wire *jsonrpc.Error
		if errors.As(err, &wire) {
			return &mcp.Response{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error:   &mcp.RPCError{Code: int(wire.Code), Message: wire.Message, Data: wire.Data},
			}, nil
		}
		var rpcErr *mcp.RPCError
		if errors.As(err, &rpcErr) {
			return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}, nil
		}
		if !c.Alive() {
			return nil, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("transport: session: marshal result: %w", err)
	}
	return &mcp.Response{JSONRPC: "2.0", ID: req.ID, Result: data}, nil
}

func (c *SessionConn) dispatch(ctx context.Context, req *mcp.Request) (any, error) {
	switch req.Method {
	case mcp.MethodToolsCall:
		var p mcp.ToolCallParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		params := &mcpsdk.CallToolParams{Name: p.Name}
		if len(p.Arguments) > 0 {
			params.Arguments = p.Arguments
		}
		return c.session.CallTool(ctx, params)

	case mcp.MethodToolsList:
		var p mcpsdk.ListToolsParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return c.session.ListTools(ctx, &p)

	case mcp.MethodResourcesList:
		var p mcpsdk.ListResourcesParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return c.session.ListResources(ctx, &p)

	case mcp.MethodResourcesRead:
		var p mcpsdk.ReadResourceParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return c.session.ReadResource(ctx, &p)

	case mcp.MethodPromptsList:
		var p mcpsdk.ListPromptsParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return c.session.ListPrompts(ctx, &p)

	case mcp.MethodPing:
		if err := c.session.Ping(ctx, nil); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	default:
		return nil, &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

// Alive implements [Conn].
func (c *SessionConn) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close implements [Conn].
func (c *SessionConn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	return c.session.Close()
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// headerTransport adds static headers to every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// wsReadLimit is the largest single frame accepted from a tool server.
const wsReadLimit = 16 << 20

// WebSocketConn multiplexes concurrent JSON-RPC calls over one websocket.
// A background loop reads responses and hands each to the caller waiting on
// its id.
type WebSocketConn struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending map[uint64]chan *mcp.Response
	err     error
}

var _ Conn = (*WebSocketConn)(nil)

// DialWebSocket connects to url and starts the receive loop.
func DialWebSocket(ctx context.Context, url string, headers map[string]string) (*WebSocketConn, error) {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, fmt.Errorf("transport: websocket: dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &WebSocketConn{
		conn:    conn,
		ctx:     connCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[uint64]chan *mcp.Response),
	}
	go c.receiveLoop()
	return c, nil
}

// Send implements [Conn].
func (c *WebSocketConn) Send(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket: marshal request: %w", err)
	}

	ch := make(chan *mcp.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	if _, dup := c.pending[req.ID]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("transport: websocket: request id %d already in flight", req.ID)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("transport: websocket: write: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return nil, c.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Alive implements [Conn].
func (c *WebSocketConn) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close implements [Conn].
func (c *WebSocketConn) Close() error {
	c.cancel()
	err := c.conn.Close(websocket.StatusNormalClosure, "connection closed")
	<-c.done
	return err
}

// receiveLoop reads frames until the connection fails. It owns c.done.
func (c *WebSocketConn) receiveLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				err = ErrClosed
			} else {
				err = fmt.Errorf("%w: %w", ErrClosed, err)
			}
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}

		var resp mcp.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			slog.Warn("transport: websocket: skipping malformed frame", "err", err)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if !ok {
			// Notification or a response whose caller already gave up.
			continue
		}
		select {
		case ch <- &resp:
		default:
			slog.Warn("transport: websocket: duplicate response dropped", "id", resp.ID)
		}
	}
}

func (c *WebSocketConn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

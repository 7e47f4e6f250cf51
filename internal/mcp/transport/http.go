package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// maxResponseBytes caps the size of a single HTTP response body.
const maxResponseBytes = 16 << 20

// HTTPConn sends each request as one HTTP POST. The TCP connections behind
// it are kept alive by the shared [http.Client]; the pool bounds how many
// calls run through it at once.
type HTTPConn struct {
	client  *http.Client
	url     string
	headers map[string]string
	closed  atomic.Bool
}

var _ Conn = (*HTTPConn)(nil)

// NewHTTPConn returns a connection that posts to url with client.
func NewHTTPConn(client *http.Client, url string, headers map[string]string) *HTTPConn {
	return &HTTPConn{client: client, url: url, headers: headers}
}

// Send implements [Conn].
func (c *HTTPConn) Send(ctx context.Context, req *mcp.Request) (*mcp.Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: http: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: http: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: http: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("transport: http: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: http: unexpected status %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var out mcp.Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("transport: http: decode response: %w", err)
	}
	if out.ID != req.ID {
		return nil, fmt.Errorf("transport: http: response id %d does not match request id %d", out.ID, req.ID)
	}
	return &out, nil
}

// Alive implements [Conn].
func (c *HTTPConn) Alive() bool { return !c.closed.Load() }

// Close implements [Conn].
func (c *HTTPConn) Close() error {
	c.closed.Store(true)
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

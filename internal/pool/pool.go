// Package pool keeps reusable connections to one tool server.
//
// A [Pool] belongs to exactly one (server, transport) pair. Connections are
// dialled lazily on a pool miss, handed out to calls, and returned with
// [Pool.Release] or thrown away with [Pool.Discard] when their state is
// unknown. Multiplexed transports carry up to MaxStreams calls per physical
// connection; the others carry one.
//
// Every mutation happens under the pool's own mutex, so a busy server never
// slows down the pools of other servers. Dialling and closing run outside the
// lock.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/toolgate/internal/mcp"
	"github.com/MrWong99/toolgate/internal/mcp/transport"
)

var (
	// ErrExhausted is returned by [Pool.Acquire] when the pool is at
	// MaxSize and no connection became free in time.
	ErrExhausted = errors.New("pool: exhausted")

	// ErrClosed is returned by [Pool.Acquire] once the pool is draining or
	// closed.
	ErrClosed = errors.New("pool: closed")

	// ErrConnect wraps dial failures.
	ErrConnect = errors.New("pool: connect failed")
)

// Policy decides what [Pool.Acquire] does when the pool is full.
type Policy int

const (
	// PolicyFail returns [ErrExhausted] immediately.
	PolicyFail Policy = iota

	// PolicyWait waits up to Config.WaitTimeout for a connection to free up.
	PolicyWait
)

// String returns the config name of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyFail:
		return "fail"
	case PolicyWait:
		return "wait"
	default:
		return "unknown"
	}
}

// Config holds the tuning of a [Pool].
type Config struct {
	Server    mcp.ServerID
	Transport mcp.Transport

	// MaxSize bounds the number of physical connections. Default: 4.
	MaxSize int

	// MaxStreams bounds concurrent calls per connection on multiplexed
	// transports. Forced to 1 for the others. Default: 8.
	MaxStreams int

	// IdleTimeout is how long an unused connection is kept. Default: 60s.
	IdleTimeout time.Duration

	// ConnectTimeout bounds each dial. Default: 5s.
	ConnectTimeout time.Duration

	Policy      Policy
	WaitTimeout time.Duration

	// BeforeDial runs before a new connection is dialled. An error aborts the
	// dial and is returned from Acquire unchanged.
	BeforeDial func() error

	// OnClose runs once for every connection that BeforeDial admitted, after
	// it is closed or its dial failed.
	OnClose func()

	// Now returns the current time. Defaults to [time.Now].
	Now func() time.Time
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Size      int
	Idle      int
	Streams   int
	Dialing   int
	Created   int64
	Reused    int64
	Acquired  int64
	Exhausted int64
	Evicted   int64
	Discarded int64
}

// ReuseRate returns the fraction of acquires served by an existing connection.
func (s Stats) ReuseRate() float64 {
	if s.Acquired == 0 {
		return 0
	}
	return float64(s.Reused) / float64(s.Acquired)
}

// Pool is a bounded set of connections to one server.
type Pool struct {
	cfg  Config
	dial transport.Dialer

	mu       sync.Mutex
	conns    []*Conn
	dialing  int
	nextID   uint64
	draining bool
	closed   bool
	wake     chan struct{}
	stats    Stats
}

// New creates an empty pool. No connection is dialled until the first
// [Pool.Acquire].
func New(cfg Config, dial transport.Dialer) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = mcp.DefaultMaxConnections
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = mcp.DefaultMaxStreams
	}
	if !cfg.Transport.Multiplexed() {
		cfg.MaxStreams = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = mcp.DefaultIdleConnectionTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = mcp.DefaultConnectTimeout
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = mcp.DefaultPoolWaitTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{cfg: cfg, dial: dial, wake: make(chan struct{})}
}

// Acquire returns a connection with a free stream. It prefers the least
// loaded live connection, dials a new one while the pool is below MaxSize,
// and otherwise applies the exhaustion policy.
//
// Idle connections past IdleTimeout and connections that fail the liveness
// check are closed before anything is handed out.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	var timeout <-chan time.Time
	for {
		p.mu.Lock()
		if p.closed || p.draining {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		now := p.cfg.Now()
		stale := p.pruneLocked(now)

		if c := p.pickLocked(); c != nil {
			c.streams++
			c.lastUsedAt = now
			p.stats.Reused++
			p.stats.Acquired++
			p.mu.Unlock()
			p.closeConns(stale)
			return c, nil
		}

		if len(p.conns)+p.dialing < p.cfg.MaxSize {
			p.dialing++
			p.mu.Unlock()
			p.closeConns(stale)
			return p.dialNew(ctx)
		}

		if p.cfg.Policy != PolicyWait {
			p.stats.Exhausted++
			p.mu.Unlock()
			p.closeConns(stale)
			return nil, ErrExhausted
		}

		wake := p.wake
		p.mu.Unlock()
		p.closeConns(stale)

		if timeout == nil {
			t := time.NewTimer(p.cfg.WaitTimeout)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case <-wake:
		case <-timeout:
			p.mu.Lock()
			p.stats.Exhausted++
			p.mu.Unlock()
			return nil, ErrExhausted
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// dialNew opens a connection for a slot reserved by Acquire.
func (p *Pool) dialNew(ctx context.Context) (*Conn, error) {
	unreserve := func() {
		p.mu.Lock()
		p.dialing--
		p.broadcastLocked()
		p.mu.Unlock()
	}

	if p.cfg.BeforeDial != nil {
		if err := p.cfg.BeforeDial(); err != nil {
			unreserve()
			return nil, err
		}
	}

	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	tc, err := p.dial(dctx)
	if err != nil {
		unreserve()
		p.onClose()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, p.cfg.Server, err)
	}

	p.mu.Lock()
	p.dialing--
	if p.closed || p.draining {
		p.broadcastLocked()
		p.mu.Unlock()
		_ = tc.Close()
		p.onClose()
		return nil, ErrClosed
	}
	now := p.cfg.Now()
	p.nextID++
	c := &Conn{
		conn:       tc,
		pool:       p,
		id:         p.nextID,
		transport:  p.cfg.Transport,
		createdAt:  now,
		lastUsedAt: now,
		streams:    1,
	}
	p.conns = append(p.conns, c)
	p.stats.Created++
	p.stats.Acquired++
	// Waiters may fit on the new connection's remaining streams.
	p.broadcastLocked()
	p.mu.Unlock()

	slog.Debug("pool: connection opened", "server", p.cfg.Server, "conn", c.id, "transport", string(p.cfg.Transport))
	return c, nil
}

// Release hands c back after a call finished with its state intact.
func (p *Pool) Release(c *Conn) {
	p.mu.Lock()
	if c.streams > 0 {
		c.streams--
	}
	c.lastUsedAt = p.cfg.Now()

	var toClose []*Conn
	if !c.removed && c.streams == 0 && (p.draining || p.closed) {
		p.removeLocked(c)
		toClose = append(toClose, c)
	}
	p.broadcastLocked()
	p.mu.Unlock()

	p.closeConns(toClose)
}

// Discard removes c from the pool and closes it. Other calls still
// multiplexed over c fail with a transport error.
func (p *Pool) Discard(c *Conn) {
	p.mu.Lock()
	if c.streams > 0 {
		c.streams--
	}
	var toClose []*Conn
	if !c.removed {
		p.removeLocked(c)
		p.stats.Discarded++
		toClose = append(toClose, c)
	}
	p.broadcastLocked()
	p.mu.Unlock()

	p.closeConns(toClose)
}

// EvictIdle closes connections that have been idle for at least IdleTimeout
// at now, and returns how many it closed. Connections in use are skipped, so
// calling it concurrently with Acquire or repeatedly is safe.
func (p *Pool) EvictIdle(now time.Time) int {
	p.mu.Lock()
	var toClose []*Conn
	for _, c := range p.conns {
		if c.streams == 0 && now.Sub(c.lastUsedAt) >= p.cfg.IdleTimeout {
			toClose = append(toClose, c)
		}
	}
	for _, c := range toClose {
		p.removeLocked(c)
	}
	p.stats.Evicted += int64(len(toClose))
	if len(toClose) > 0 {
		p.broadcastLocked()
	}
	p.mu.Unlock()

	if len(toClose) > 0 {
		slog.Debug("pool: evicted idle connections", "server", p.cfg.Server, "count", len(toClose))
	}
	p.closeConns(toClose)
	return len(toClose)
}

// Drain stops handing out connections, waits until every in-flight call has
// released its connection, and closes the pool. If ctx ends first Drain
// returns ctx's error and leaves the remaining connections to [Pool.CloseNow].
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	var idle []*Conn
	for _, c := range p.conns {
		if c.streams == 0 {
			idle = append(idle, c)
		}
	}
	for _, c := range idle {
		p.removeLocked(c)
	}
	p.broadcastLocked()
	p.mu.Unlock()
	p.closeConns(idle)

	for {
		p.mu.Lock()
		if len(p.conns) == 0 && p.dialing == 0 {
			p.closed = true
			p.mu.Unlock()
			return nil
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CloseNow closes every connection, including those in use, and refuses
// further acquires.
func (p *Pool) CloseNow() {
	p.mu.Lock()
	p.draining = true
	p.closed = true
	all := p.conns
	p.conns = nil
	for _, c := range all {
		c.removed = true
	}
	p.broadcastLocked()
	p.mu.Unlock()

	p.closeConns(all)
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Size = len(p.conns)
	s.Dialing = p.dialing
	for _, c := range p.conns {
		s.Streams += c.streams
		if c.streams == 0 {
			s.Idle++
		}
	}
	return s
}

// Config returns the effective configuration after defaults.
func (p *Pool) Config() Config { return p.cfg }

// pruneLocked removes idle connections that expired or died and returns them
// for closing. Caller must hold p.mu.
func (p *Pool) pruneLocked(now time.Time) []*Conn {
	var stale []*Conn
	for _, c := range p.conns {
		if c.streams == 0 && (now.Sub(c.lastUsedAt) >= p.cfg.IdleTimeout || !c.conn.Alive()) {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		p.removeLocked(c)
	}
	p.stats.Evicted += int64(len(stale))
	return stale
}

// pickLocked returns the live connection with the fewest streams that still
// has room, or nil. Caller must hold p.mu.
func (p *Pool) pickLocked() *Conn {
	var best *Conn
	for _, c := range p.conns {
		if c.streams >= p.cfg.MaxStreams || !c.conn.Alive() {
			continue
		}
		if best == nil || c.streams < best.streams {
			best = c
		}
	}
	return best
}

// removeLocked drops c from the slice. Caller must hold p.mu.
func (p *Pool) removeLocked(c *Conn) {
	for i, other := range p.conns {
		if other == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	c.removed = true
}

// broadcastLocked wakes every waiter. Caller must hold p.mu.
func (p *Pool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *Pool) closeConns(conns []*Conn) {
	for _, c := range conns {
		if err := c.conn.Close(); err != nil {
			slog.Debug("pool: close connection", "server", p.cfg.Server, "conn", c.id, "err", err)
		}
		p.onClose()
	}
}

func (p *Pool) onClose() {
	if p.cfg.OnClose != nil {
		p.cfg.OnClose()
	}
}

// Package invoker implements [mcp.Invoker], the façade every tool call from
// the inference engine goes through.
//
// For each registered server the Invoker owns a circuit breaker, a connection
// pool, a retry policy and a latency window, and it shares a resource monitor,
// a result cache and a shutdown coordinator across servers. A call passes, in
// order: the shutdown check, the cache, the breaker, the monitor's request
// limit and the pool, and only then reaches the transport.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/toolgate/internal/cache"
	"github.com/MrWong99/toolgate/internal/mcp"
	"github.com/MrWong99/toolgate/internal/mcp/transport"
	"github.com/MrWong99/toolgate/internal/monitor"
	"github.com/MrWong99/toolgate/internal/observe"
	"github.com/MrWong99/toolgate/internal/pool"
	"github.com/MrWong99/toolgate/internal/resilience"
	"github.com/MrWong99/toolgate/internal/shutdown"
)

// Compile-time interface assertion.
var _ mcp.Invoker = (*Invoker)(nil)

// attemptBudget is the share of the caller's remaining deadline one attempt
// may use, leaving room to report the failure.
const attemptBudget = 0.9

// DialerFactory builds the dialer of a server. The default is
// [transport.NewDialer].
type DialerFactory func(cfg mcp.ServerConfig) (transport.Dialer, error)

// Option is a functional option for [New].
type Option func(*Invoker)

// WithCache enables result caching for cacheable calls.
func WithCache(c *cache.Cache) Option {
	return func(inv *Invoker) { inv.cache = c }
}

// WithMonitor sets the shared resource monitor. Without it the Invoker
// creates a private one.
func WithMonitor(m *monitor.Monitor) Option {
	return func(inv *Invoker) { inv.monitor = m }
}

// WithCoordinator sets the shutdown coordinator servers are registered with.
// Without it the Invoker creates a private one.
func WithCoordinator(c *shutdown.Coordinator) Option {
	return func(inv *Invoker) { inv.coord = c }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(inv *Invoker) { inv.metrics = m }
}

// WithDialer replaces the transport dialer factory. Tests use it to plug in
// fake connections.
func WithDialer(f DialerFactory) Option {
	return func(inv *Invoker) { inv.newDialer = f }
}

// Invoker is the reliability layer in front of all tool servers. It is safe
// for concurrent use.
type Invoker struct {
	cache     *cache.Cache
	monitor   *monitor.Monitor
	coord     *shutdown.Coordinator
	metrics   *observe.Metrics
	newDialer DialerFactory

	mu      sync.RWMutex
	servers map[mcp.ServerID]*serverState

	flight singleflight.Group
	nextID atomic.Uint64
}

// New creates an Invoker without servers.
func New(opts ...Option) *Invoker {
	inv := &Invoker{servers: make(map[mcp.ServerID]*serverState)}
	for _, o := range opts {
		o(inv)
	}
	if inv.monitor == nil {
		inv.monitor = monitor.New(monitor.Config{})
	}
	if inv.coord == nil {
		inv.coord = shutdown.New(shutdown.Config{})
	}
	if inv.metrics == nil {
		inv.metrics = observe.DefaultMetrics()
	}
	if inv.newDialer == nil {
		inv.newDialer = transport.NewDialer
	}
	return inv
}

// serverState is everything the Invoker keeps per server.
type serverState struct {
	cfg     mcp.ServerConfig
	breaker *resilience.CircuitBreaker
	pool    *pool.Pool
	retry   resilience.RetryPolicy
	latency *latencyWindow

	cacheable map[string]bool
	retrySafe map[string]bool

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// Drain implements [shutdown.Closer].
func (s *serverState) Drain(ctx context.Context) error { return s.pool.Drain(ctx) }

// ForceClose implements [shutdown.Closer].
func (s *serverState) ForceClose() { s.pool.CloseNow() }

// RegisterServer adds a server. Connections are dialled lazily on the first
// call.
func (inv *Invoker) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("invoker: server name must not be empty")
	}
	dial, err := inv.newDialer(cfg)
	if err != nil {
		return fmt.Errorf("invoker: register %q: %w", cfg.Name, err)
	}
	cfg.Tuning = cfg.Tuning.WithDefaults()
	t := cfg.Tuning
	id := cfg.Name

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if _, exists := inv.servers[id]; exists {
		return fmt.Errorf("invoker: server %q already registered", id)
	}

	policy := pool.PolicyFail
	if t.PoolWait {
		policy = pool.PolicyWait
	}
	s := &serverState{
		cfg: cfg,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             string(id),
			FailureThreshold: t.FailureThreshold,
			FailureWindow:    t.FailureWindow,
			RecoveryTimeout:  t.RecoveryTimeout,
			SuccessThreshold: t.SuccessThreshold,
			OnStateChange: func(name string, from, to resilience.State) {
				inv.metrics.RecordCircuitTransition(context.Background(), name, from.String(), to.String())
			},
		}),
		pool: pool.New(pool.Config{
			Server:         id,
			Transport:      cfg.Transport,
			MaxSize:        t.MaxConnections,
			MaxStreams:     t.MaxStreams,
			IdleTimeout:    t.IdleConnectionTimeout,
			ConnectTimeout: t.ConnectTimeout,
			Policy:         policy,
			WaitTimeout:    t.PoolWaitTimeout,
			BeforeDial: func() error {
				if err := inv.monitor.ConnectionOpened(id); err != nil {
					return err
				}
				inv.metrics.AddConnections(context.Background(), string(id), 1)
				return nil
			},
			OnClose: func() {
				inv.monitor.ConnectionClosed(id)
				inv.metrics.AddConnections(context.Background(), string(id), -1)
			},
		}, dial),
		retry: resilience.RetryPolicy{
			MaxAttempts:  t.RetryMaxAttempts,
			InitialDelay: t.RetryInitialDelay,
			MaxDelay:     t.RetryMaxDelay,
			Multiplier:   t.RetryMultiplier,
			Jitter:       t.RetryJitter,
		}.WithDefaults(),
		latency:   newLatencyWindow(windowSize),
		cacheable: toSet(cfg.Cacheable),
		retrySafe: toSet(cfg.RetrySafe),
	}
	inv.servers[id] = s

	inv.monitor.SetLimits(id, monitor.Limits{
		MaxConnections:    t.MaxConnections,
		MaxActiveRequests: t.MaxActiveRequests,
	})
	inv.monitor.RegisterEvictor(id, s.pool.EvictIdle)
	inv.coord.Register(id, s)

	observe.Logger(ctx).Info("invoker: server registered",
		"server", id,
		"transport", string(cfg.Transport),
		"max_connections", t.MaxConnections,
		"pool_exhaustion", policy.String(),
	)
	return nil
}

// UnregisterServer removes a server and drains its pool. In-flight calls may
// finish until ctx ends; the pool is then closed forcibly.
func (inv *Invoker) UnregisterServer(ctx context.Context, id mcp.ServerID) error {
	inv.mu.Lock()
	s, ok := inv.servers[id]
	delete(inv.servers, id)
	inv.mu.Unlock()
	if !ok {
		return fmt.Errorf("invoker: %w: %s", mcp.ErrUnknownServer, id)
	}

	inv.coord.Unregister(id)
	err := s.pool.Drain(ctx)
	if err != nil {
		s.pool.CloseNow()
	}
	inv.monitor.UnregisterServer(id)

	observe.Logger(ctx).Info("invoker: server unregistered", "server", id)
	if err != nil {
		return fmt.Errorf("invoker: unregister %s: %w", id, err)
	}
	return nil
}

// Servers returns the registered server ids in sorted order.
func (inv *Invoker) Servers() []mcp.ServerID {
	inv.mu.RLock()
	ids := make([]mcp.ServerID, 0, len(inv.servers))
	for id := range inv.servers {
		ids = append(ids, id)
	}
	inv.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// ServerConfig returns the effective configuration of a registered server.
func (inv *Invoker) ServerConfig(id mcp.ServerID) (mcp.ServerConfig, bool) {
	s, ok := inv.server(id)
	if !ok {
		return mcp.ServerConfig{}, false
	}
	return s.cfg, true
}

// Close drains every server through the coordinator, bounded by ctx's
// deadline or [shutdown.DefaultServerTimeout] when ctx has none. It reports
// an error when any server had to be force-closed.
func (inv *Invoker) Close(ctx context.Context) error {
	deadline := shutdown.DefaultServerTimeout
	if dl, ok := ctx.Deadline(); ok {
		deadline = time.Until(dl)
	}
	r := inv.coord.InitiateShutdown(ctx, deadline)
	if len(r.Forced) > 0 {
		return fmt.Errorf("invoker: %d servers force-closed: %v", len(r.Forced), r.Forced)
	}
	return nil
}

// Call implements [mcp.Invoker].
func (inv *Invoker) Call(ctx context.Context, id mcp.ServerID, method string, params json.RawMessage, cacheable bool) (json.RawMessage, error) {
	s, err := inv.admit(id, method)
	if err != nil {
		return nil, err
	}
	if !cacheable || inv.cache == nil {
		return inv.call(ctx, s, method, params)
	}

	key, err := cache.Key(id, method, params)
	if err != nil {
		slog.Debug("invoker: params not cacheable", "server", id, "method", method, "err", err)
		return inv.call(ctx, s, method, params)
	}
	if v, tier, ok := inv.cache.Get(ctx, key); ok {
		s.cacheHits.Add(1)
		inv.metrics.RecordCacheLookup(ctx, string(id), tier.String())
		return v, nil
	}
	s.cacheMisses.Add(1)
	inv.metrics.RecordCacheLookup(ctx, string(id), cache.TierNone.String())

	// Identical calls already in flight share one transport round trip. It
	// belongs to no single caller, so it runs detached from ctx under its own
	// budget and each caller only stops waiting when its own ctx ends.
	ch := inv.flight.DoChan(key, func() (any, error) {
		sctx, cancel := s.sharedContext(ctx)
		defer cancel()
		res, err := inv.call(sctx, s, method, params)
		if err == nil {
			inv.cache.Put(sctx, key, res)
		}
		return res, err
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, ctxError(ctx, id, method)
	}
}

// InvokeTool implements [mcp.Invoker].
func (inv *Invoker) InvokeTool(ctx context.Context, id mcp.ServerID, tool string, args json.RawMessage) (json.RawMessage, error) {
	s, err := inv.admit(id, mcp.MethodToolsCall)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(mcp.ToolCallParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("invoker: encode %s arguments: %w", tool, err)
	}
	return inv.Call(ctx, id, mcp.MethodToolsCall, params, s.cacheable[tool])
}

// admit resolves id and refuses calls to unknown or draining servers.
func (inv *Invoker) admit(id mcp.ServerID, method string) (*serverState, error) {
	s, ok := inv.server(id)
	if !ok {
		return nil, mcp.NewToolError(mcp.KindUnknownServer, id, method, nil)
	}
	if inv.coord.IsDraining(id) {
		return nil, mcp.NewToolError(mcp.KindShuttingDown, id, method, nil)
	}
	return s, nil
}

func (inv *Invoker) server(id mcp.ServerID) (*serverState, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	s, ok := inv.servers[id]
	return s, ok
}

// call runs one uncached call and records its metrics and span.
func (inv *Invoker) call(ctx context.Context, s *serverState, method string, params json.RawMessage) (json.RawMessage, error) {
	id := s.cfg.Name
	ctx, span := observe.StartCallSpan(ctx, string(id), method)

	start := time.Now()
	res, err := inv.execute(ctx, s, method, params)
	elapsed := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = mcp.KindOf(err).String()
	}
	observe.EndCallSpan(span, outcome, err)
	inv.metrics.RecordCall(ctx, string(id), method, outcome, elapsed)
	return res, err
}

// execute is the breaker → limit → pool → transport pipeline.
func (inv *Invoker) execute(ctx context.Context, s *serverState, method string, params json.RawMessage) (json.RawMessage, error) {
	id := s.cfg.Name

	adm, ok := s.breaker.Allow()
	if !ok {
		return nil, mcp.NewToolError(mcp.KindCircuitOpen, id, method, resilience.ErrCircuitOpen)
	}

	guard, err := inv.monitor.TryBegin(id)
	if err != nil {
		s.breaker.Abandon(adm)
		return nil, mcp.NewToolError(mcp.KindLimitExceeded, id, method, err)
	}
	defer guard.Release()
	inv.metrics.AddActiveRequests(ctx, string(id), 1)
	defer inv.metrics.AddActiveRequests(context.WithoutCancel(ctx), string(id), -1)

	log := observe.Logger(ctx).With("server", id, "method", method, "request_id", guard.ID())

	policy := s.retry
	if !s.retrySafeCall(method, params) {
		policy.MaxAttempts = 1
	}

	start := time.Now()
	var result json.RawMessage
	err = policy.Do(ctx, retryable, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			inv.metrics.RecordRetry(ctx, string(id))
			observe.MarkRetry(ctx, attempt)
			log.Debug("invoker: retrying", "attempt", attempt)
		}
		res, err := inv.attempt(ctx, s, method, params)
		if err == nil {
			result = res
		}
		return err
	})
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		err = mcp.NewToolError(mcp.KindCancelled, id, method, ctx.Err())
	}

	switch kind := mcp.KindOf(err); {
	case err == nil:
		s.breaker.RecordSuccess(adm)
		s.latency.Record(time.Since(start), false)
		return result, nil
	case !countsAsFailure(kind):
		s.breaker.Abandon(adm)
		log.Debug("invoker: call not completed", "kind", kind.String(), "err", err)
	default:
		s.breaker.RecordFailure(adm)
		s.latency.Record(time.Since(start), true)
		log.Warn("invoker: call failed", "kind", kind.String(), "err", err)
	}
	return nil, err
}

// attempt acquires a connection and sends one request over it.
func (inv *Invoker) attempt(ctx context.Context, s *serverState, method string, params json.RawMessage) (json.RawMessage, error) {
	id := s.cfg.Name

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		terr := acquireError(ctx, id, method, err)
		inv.metrics.RecordAcquire(ctx, string(id), acquireResult(terr.Kind))
		return nil, terr
	}
	inv.metrics.RecordAcquire(ctx, string(id), "ok")

	actx, cancel := context.WithTimeout(ctx, attemptTimeout(ctx, s.cfg.Tuning.ToolTimeout))
	defer cancel()

	resp, err := conn.Send(actx, mcp.NewRequest(inv.nextID.Add(1), method, params))
	switch {
	case err == nil && resp.Error != nil:
		// The server answered; the connection is still in a known state.
		s.pool.Release(conn)
		return nil, mcp.ProtocolError(id, method, resp.Error)
	case err == nil:
		s.pool.Release(conn)
		return resp.Result, nil
	}

	s.pool.Discard(conn)
	switch {
	case ctx.Err() != nil:
		return nil, ctxError(ctx, id, method)
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		return nil, mcp.NewToolError(mcp.KindTimeout, id, method, err)
	default:
		return nil, mcp.NewToolError(mcp.KindTransport, id, method, err)
	}
}

// sharedContext detaches ctx from its caller's cancellation and bounds it by
// every attempt running to the tool timeout with the longest backoff between
// them.
func (s *serverState) sharedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	attempts := max(s.retry.MaxAttempts, 1)
	budget := time.Duration(attempts)*s.cfg.Tuning.ToolTimeout + time.Duration(attempts-1)*s.retry.MaxDelay
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}

// retrySafeCall reports whether the call may be sent more than once.
func (s *serverState) retrySafeCall(method string, params json.RawMessage) bool {
	if mcp.ReadOnlyMethod(method) {
		return true
	}
	if method != mcp.MethodToolsCall {
		return false
	}
	var p mcp.ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return false
	}
	return s.retrySafe[p.Name] || s.cacheable[p.Name]
}

// retryable reports whether a failed attempt may be repeated.
func retryable(err error) bool {
	switch mcp.KindOf(err) {
	case mcp.KindTransport, mcp.KindTimeout:
		return true
	default:
		return false
	}
}

// countsAsFailure reports whether an error of kind is the server's fault and
// feeds the breaker. Local refusals and caller cancellation do not.
func countsAsFailure(kind mcp.ErrorKind) bool {
	switch kind {
	case mcp.KindLimitExceeded, mcp.KindCancelled, mcp.KindShuttingDown:
		return false
	default:
		return true
	}
}

// acquireError maps a pool error to a typed error.
func acquireError(ctx context.Context, id mcp.ServerID, method string, err error) *mcp.ToolError {
	switch {
	case errors.Is(err, monitor.ErrLimitExceeded):
		return mcp.NewToolError(mcp.KindLimitExceeded, id, method, err)
	case errors.Is(err, pool.ErrExhausted):
		return mcp.NewToolError(mcp.KindPoolExhausted, id, method, err)
	case errors.Is(err, pool.ErrClosed):
		return mcp.NewToolError(mcp.KindShuttingDown, id, method, err)
	case ctx.Err() != nil:
		return ctxError(ctx, id, method)
	default:
		return mcp.NewToolError(mcp.KindConnect, id, method, err)
	}
}

func acquireResult(kind mcp.ErrorKind) string {
	switch kind {
	case mcp.KindPoolExhausted:
		return "exhausted"
	case mcp.KindLimitExceeded:
		return "limit"
	case mcp.KindConnect:
		return "connect_error"
	default:
		return kind.String()
	}
}

// ctxError maps the end of the caller's context to Cancelled or Timeout.
func ctxError(ctx context.Context, id mcp.ServerID, method string) *mcp.ToolError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return mcp.NewToolError(mcp.KindTimeout, id, method, ctx.Err())
	}
	return mcp.NewToolError(mcp.KindCancelled, id, method, ctx.Err())
}

// attemptTimeout is min(toolTimeout, 90% of the time left on ctx).
func attemptTimeout(ctx context.Context, toolTimeout time.Duration) time.Duration {
	d := toolTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Duration(float64(time.Until(dl)) * attemptBudget); left < d {
			d = left
		}
	}
	return d
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

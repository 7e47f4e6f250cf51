// Package app wires all toolgate subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the gateway and runs the background loops, and
// Shutdown drains every tool server and tears everything down in order.
//
// For testing, inject doubles via functional options (WithCacheStore,
// WithDialer, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/toolgate/internal/cache"
	"github.com/MrWong99/toolgate/internal/config"
	"github.com/MrWong99/toolgate/internal/gateway"
	"github.com/MrWong99/toolgate/internal/health"
	"github.com/MrWong99/toolgate/internal/invoker"
	"github.com/MrWong99/toolgate/internal/mcp"
	"github.com/MrWong99/toolgate/internal/monitor"
	"github.com/MrWong99/toolgate/internal/observe"
	"github.com/MrWong99/toolgate/internal/shutdown"
)

// readHeaderTimeout bounds how long a client may take to send headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Injected or built in New.
	store     cache.Store
	dialer    invoker.DialerFactory
	metrics   *observe.Metrics
	level     *slog.LevelVar
	metricsUI http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	cache   *cache.Cache
	monitor *monitor.Monitor
	coord   *shutdown.Coordinator
	inv     *invoker.Invoker
	health  *health.Handler
	handler http.Handler

	srvMu    sync.Mutex
	srv      *http.Server
	listener net.Listener

	// reloadMu serialises config reloads.
	reloadMu sync.Mutex

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCacheStore injects the shared cache tier instead of connecting to the
// Redis or PostgreSQL server named in the config.
func WithCacheStore(s cache.Store) Option {
	return func(a *App) { a.store = s }
}

// WithDialer replaces the transport dialer of every server.
func WithDialer(f invoker.DialerFactory) Option {
	return func(a *App) { a.dialer = f }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel passes the level variable of the process logger so config
// reloads can change verbosity.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetricsHandler replaces the /metrics handler. The default is
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsUI = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It registers every
// configured server; connections are dialled on first use.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsUI == nil {
		a.metricsUI = promhttp.Handler()
	}

	// ── 1. Cache ─────────────────────────────────────────────────────────
	if err := a.initCache(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 2. Monitor + coordinator ─────────────────────────────────────────
	a.monitor = monitor.New(monitor.Config{Retention: cfg.Server.CounterRetention})
	a.monitor.OnSweep(a.cache.Sweep)
	a.coord = shutdown.New(shutdown.Config{ServerTimeout: cfg.Server.ServerShutdownTimeout})

	// ── 3. Invoker + servers ─────────────────────────────────────────────
	if err := a.initInvoker(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init invoker: %w", err)
	}

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCache connects the shared tier (Redis wins over PostgreSQL) and builds
// the two-tier cache on top.
func (a *App) initCache(ctx context.Context) error {
	cc := a.cfg.Cache
	if a.store == nil {
		switch {
		case cc.Redis.Addr != "":
			rs, err := cache.OpenRedis(ctx, cache.RedisOptions{
				Addr:     cc.Redis.Addr,
				Password: cc.Redis.Password,
				DB:       cc.Redis.DB,
			})
			if err != nil {
				return err
			}
			a.store = rs
			a.closers = append(a.closers, rs.Close)
			slog.Info("cache: using redis", "addr", cc.Redis.Addr)
		case cc.PostgresDSN != "":
			ps, err := cache.OpenPostgres(ctx, cc.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = ps
			a.closers = append(a.closers, func() error { ps.Close(); return nil })
			slog.Info("cache: using postgres")
		default:
			slog.Info("cache: no shared tier configured, caching in process only")
		}
	}

	c, err := cache.New(cache.Config{
		L1Capacity: cc.L1Capacity,
		L1TTL:      cc.L1TTL,
		L2TTL:      cc.L2TTL,
	}, a.store)
	if err != nil {
		return err
	}
	a.cache = c
	return nil
}

func (a *App) initInvoker(ctx context.Context) error {
	opts := []invoker.Option{
		invoker.WithCache(a.cache),
		invoker.WithMonitor(a.monitor),
		invoker.WithCoordinator(a.coord),
		invoker.WithMetrics(a.metrics),
	}
	if a.dialer != nil {
		opts = append(opts, invoker.WithDialer(a.dialer))
	}
	a.inv = invoker.New(opts...)

	for _, sc := range config.ToServerConfigs(a.cfg) {
		if err := a.inv.RegisterServer(ctx, sc); err != nil {
			return err
		}
	}
	return nil
}

// pinger is implemented by shared cache stores that can report reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) initHTTP() {
	var checkers []health.Checker
	if p, ok := a.store.(pinger); ok {
		checkers = append(checkers, health.Checker{Name: "cache", Check: p.Ping})
	}
	a.health = health.New(checkers...)
	a.health.AddSource(health.ServerCheckers(a.inv))

	mux := http.NewServeMux()
	a.health.Register(mux)
	gateway.New(a.inv).Register(mux)
	mux.Handle("GET /metrics", a.metricsUI)

	a.handler = observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the full HTTP surface: gateway, health and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Invoker returns the tool invoker.
func (a *App) Invoker() *invoker.Invoker { return a.inv }

// Addr returns the address the gateway listens on once Run has bound it, and
// nil before.
func (a *App) Addr() net.Addr {
	a.srvMu.Lock()
	defer a.srvMu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the gateway and runs the sweeper and health probes until ctx is
// cancelled. It returns nil on cancellation and the server error otherwise.
// Call Shutdown afterwards to drain the tool servers.
func (a *App) Run(ctx context.Context) error {
	sc := a.cfg.Server

	ln, err := net.Listen("tcp", sc.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", sc.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.srvMu.Lock()
	a.srv = srv
	a.listener = ln
	a.srvMu.Unlock()

	go a.monitor.Run(ctx, sc.SweepInterval)
	go a.inv.RunProbes(ctx, sc.ProbeInterval)

	errCh := make(chan error, 1)
	go func() {
		if tls := sc.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	slog.Info("gateway listening",
		"addr", ln.Addr().String(),
		"tls", sc.TLS != nil,
		"servers", len(a.inv.Servers()),
	)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new:
// the log level and the server list. Changed servers are removed and added
// again; their in-flight calls drain within the per-server shutdown timeout.
// Settings that need a restart are left as they were.
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	if a.coord.Started() {
		return errors.New("app: shutting down, reload ignored")
	}

	d := config.Diff(old, new)
	if d.Empty() {
		return nil
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	var errs []error
	drain := func(id mcp.ServerID) {
		dctx, cancel := context.WithTimeout(ctx, a.cfg.Server.ServerShutdownTimeout)
		defer cancel()
		if err := a.inv.UnregisterServer(dctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range d.Removed {
		drain(id)
	}
	for _, sc := range d.Changed {
		drain(sc.Name)
		if err := a.inv.RegisterServer(ctx, sc); err != nil {
			errs = append(errs, err)
		}
	}
	for _, sc := range d.Added {
		if err := a.inv.RegisterServer(ctx, sc); err != nil {
			errs = append(errs, err)
		}
	}

	slog.Info("configuration applied",
		"added", len(d.Added),
		"removed", len(d.Removed),
		"changed", len(d.Changed),
	)
	return errors.Join(errs...)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains every tool server within server.shutdown_timeout (or ctx's
// deadline when sooner), then stops the gateway and closes the shared cache
// tier. Calls arriving while servers drain are answered with ShuttingDown.
// It returns an error when a server had to be force-closed or ctx expired.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		deadline := a.cfg.Server.ShutdownTimeout
		if dl, ok := ctx.Deadline(); ok {
			deadline = min(deadline, time.Until(dl))
		}
		slog.Info("shutting down", "deadline", deadline.String(), "closers", len(a.closers))

		report := a.coord.InitiateShutdown(ctx, deadline)
		a.metrics.RecordShutdown(ctx, "graceful", len(report.Graceful))
		a.metrics.RecordShutdown(ctx, "forced", len(report.Forced))
		if len(report.Forced) > 0 {
			shutdownErr = fmt.Errorf("app: %d servers force-closed: %v", len(report.Forced), report.Forced)
		}

		a.srvMu.Lock()
		srv := a.srv
		a.srvMu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("gateway shutdown error", "err", err)
				shutdownErr = errors.Join(shutdownErr, err)
			}
		}

		if ctx.Err() != nil {
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers))
			shutdownErr = errors.Join(shutdownErr, ctx.Err())
			return
		}
		a.runClosers()

		slog.Info("shutdown complete",
			"graceful", len(report.Graceful),
			"forced", len(report.Forced),
			"elapsed", report.Elapsed.String(),
		)
	})
	return shutdownErr
}

// runClosers runs the closers in order and logs failures.
func (a *App) runClosers() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}

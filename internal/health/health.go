// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when every [Checker] passes.
//
// Readiness combines fixed checkers (the shared cache store, for example)
// with checkers produced per request by a source such as [ServerCheckers],
// so servers added or removed at runtime are reflected immediately.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "cache", "server:fs"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Source produces checkers at request time.
type Source func() []Checker

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use.
type Handler struct {
	checkers []Checker

	mu      sync.RWMutex
	sources []Source
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// AddSource registers a source whose checkers run after the fixed ones.
func (h *Handler) AddSource(src Source) {
	h.mu.Lock()
	h.sources = append(h.sources, src)
	h.mu.Unlock()
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every checker
// passes. Checkers run concurrently, each under a [checkTimeout] deadline
// derived from the request context, so one slow tool server does not hold up
// the rest.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	all := h.all()

	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(all))
		failed bool
	)
	var g errgroup.Group
	for _, c := range all {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			verdict := "ok"
			if err := c.Check(ctx); err != nil {
				verdict = "fail: " + err.Error()
			}
			mu.Lock()
			checks[c.Name] = verdict
			failed = failed || verdict != "ok"
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if failed {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: "fail", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, result{Status: "ok", Checks: checks})
}

func (h *Handler) all() []Checker {
	h.mu.RLock()
	sources := h.sources
	h.mu.RUnlock()

	out := append([]Checker(nil), h.checkers...)
	for _, src := range sources {
		out = append(out, src()...)
	}
	return out
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// ServerHealth is the part of the invoker readiness looks at.
type ServerHealth interface {
	Servers() []mcp.ServerID
	HealthCheck(server mcp.ServerID) mcp.Health
}

// ServerCheckers returns a source with one checker per registered server. A
// checker fails while its server is Down; Degraded servers still count as
// ready.
func ServerCheckers(inv ServerHealth) Source {
	return func() []Checker {
		ids := inv.Servers()
		out := make([]Checker, 0, len(ids))
		for _, id := range ids {
			out = append(out, Checker{
				Name: "server:" + string(id),
				Check: func(context.Context) error {
					if h := inv.HealthCheck(id); h == mcp.HealthDown {
						return fmt.Errorf("server %s is %s", id, h)
					}
					return nil
				},
			})
		}
		return out
	}
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

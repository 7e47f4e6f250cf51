// Package mock provides an in-memory test double for the [mcp.Invoker]
// interface.
//
// [Invoker] records every method call for assertion in tests and exposes
// fields that control what the mock returns. It is safe for concurrent use.
//
// Typical usage:
//
//	inv := &mock.Invoker{}
//	inv.ToolsResult = []mcp.ToolDescriptor{{Server: "fs", Name: "read_file"}}
//	inv.CallResult = json.RawMessage(`{"content":[]}`)
//
//	// inject inv into the system under test …
//
//	if got := inv.CallCount("InvokeTool"); got != 1 {
//	    t.Errorf("expected 1 InvokeTool call, got %d", got)
//	}
package mock

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/MrWong99/toolgate/internal/mcp"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Invoker is a configurable test double for [mcp.Invoker].
// All *Err fields default to nil (success).
type Invoker struct {
	mu    sync.Mutex
	calls []Call

	// CallResult is returned by [Invoker.Call] and [Invoker.InvokeTool] when
	// CallErr is nil. When nil, "{}" is returned.
	CallResult json.RawMessage

	// CallErr is returned by [Invoker.Call] and [Invoker.InvokeTool] when
	// non-nil.
	CallErr error

	// ToolsResult is returned by [Invoker.ListAvailableTools].
	ToolsResult []mcp.ToolDescriptor

	// ToolsErr is returned by [Invoker.ListAvailableTools] when non-nil.
	ToolsErr error

	// SnapshotsResult backs [Invoker.Snapshot], [Invoker.Snapshots] and
	// [Invoker.HealthCheck]. Unknown servers are Down.
	SnapshotsResult []mcp.Snapshot
}

// Calls returns a copy of all recorded method invocations.
func (m *Invoker) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns how many times the named method was invoked.
func (m *Invoker) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Invoker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Invoker) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

func (m *Invoker) result() (json.RawMessage, error) {
	if m.CallErr != nil {
		return nil, m.CallErr
	}
	if m.CallResult == nil {
		return json.RawMessage(`{}`), nil
	}
	return slices.Clone(m.CallResult), nil
}

// Call implements [mcp.Invoker].
func (m *Invoker) Call(_ context.Context, server mcp.ServerID, method string, params json.RawMessage, cacheable bool) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Call", server, method, params, cacheable)
	return m.result()
}

// InvokeTool implements [mcp.Invoker].
func (m *Invoker) InvokeTool(_ context.Context, server mcp.ServerID, tool string, args json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InvokeTool", server, tool, args)
	return m.result()
}

// ListAvailableTools implements [mcp.Invoker].
func (m *Invoker) ListAvailableTools(_ context.Context) ([]mcp.ToolDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListAvailableTools")
	if m.ToolsErr != nil {
		return nil, m.ToolsErr
	}
	if m.ToolsResult == nil {
		return []mcp.ToolDescriptor{}, nil
	}
	return slices.Clone(m.ToolsResult), nil
}

// Snapshot implements [mcp.Invoker].
func (m *Invoker) Snapshot(server mcp.ServerID) (mcp.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Snapshot", server)
	return m.find(server)
}

// Snapshots returns SnapshotsResult.
func (m *Invoker) Snapshots() []mcp.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Snapshots")
	return slices.Clone(m.SnapshotsResult)
}

// Servers returns the ids in SnapshotsResult.
func (m *Invoker) Servers() []mcp.ServerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Servers")
	ids := make([]mcp.ServerID, 0, len(m.SnapshotsResult))
	for _, s := range m.SnapshotsResult {
		ids = append(ids, s.Server)
	}
	return ids
}

// HealthCheck implements [mcp.Invoker].
func (m *Invoker) HealthCheck(server mcp.ServerID) mcp.Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("HealthCheck", server)
	if s, ok := m.find(server); ok {
		return s.Health
	}
	return mcp.HealthDown
}

func (m *Invoker) find(server mcp.ServerID) (mcp.Snapshot, bool) {
	for _, s := range m.SnapshotsResult {
		if s.Server == server {
			return s, true
		}
	}
	return mcp.Snapshot{}, false
}

// Ensure Invoker satisfies the interface at compile time.
var _ mcp.Invoker = (*Invoker)(nil)

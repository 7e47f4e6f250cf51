// Package mcp defines the vocabulary shared by the reliability layer that
// sits between an inference engine and its Model Context Protocol tool
// servers.
//
// The engine talks to an [Invoker]. Every call to a tool server passes
// through a result cache, a per-server circuit breaker, per-server resource
// limits and a connection pool before it reaches the server's transport, and
// every failure comes back as a [*ToolError] whose [ErrorKind] tells the
// engine whether the server is temporarily unavailable or answered with an
// error of its own.
//
// Lifecycle:
//
//  1. Register each server with the invoker (see package invoker).
//  2. Use [Invoker.ListAvailableTools] to build the prompt's tool section.
//  3. Use [Invoker.InvokeTool] or [Invoker.Call] from the inference loop.
//  4. Shut down through the shutdown coordinator, which drains every server
//     before closing its connections.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"
	"encoding/json"
	"time"
)

// ServerConfig describes how to reach a single MCP server and how calls to it
// are tuned.
type ServerConfig struct {
	// Name is the unique identifier of the server.
	Name ServerID

	// Transport selects the connection mechanism.
	Transport Transport

	// Command is the executable path and arguments used when Transport is
	// [TransportStdio]. Example: "/usr/local/bin/mcp-fs --root /data".
	Command string

	// URL is the endpoint used by the network transports.
	URL string

	// Env holds additional environment variables for the stdio process.
	Env map[string]string

	// Headers are sent with every HTTP request and the websocket handshake.
	Headers map[string]string

	// Cacheable lists tools whose results may be reused for identical
	// arguments. Cacheable tools are also retry-safe.
	Cacheable []string

	// RetrySafe lists tools that may be sent more than once.
	RetrySafe []string

	// Tuning holds the reliability parameters for this server.
	Tuning Tuning
}

// Tuning holds the per-server reliability parameters. Zero fields are filled
// by [Tuning.WithDefaults].
type Tuning struct {
	MaxConnections        int
	MaxActiveRequests     int
	MaxStreams            int
	IdleConnectionTimeout time.Duration
	ConnectTimeout        time.Duration
	ToolTimeout           time.Duration
	DegradedLatency       time.Duration

	FailureThreshold int
	FailureWindow    time.Duration
	RecoveryTimeout  time.Duration
	SuccessThreshold int

	// PoolWait makes an exhausted pool wait up to PoolWaitTimeout for a
	// connection instead of failing immediately.
	PoolWait        bool
	PoolWaitTimeout time.Duration

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryJitter       bool
}

// Defaults for a local, low-latency deployment: tool servers fail fast
// because every second they add is a second the inference response waits.
const (
	DefaultMaxConnections        = 4
	DefaultMaxActiveRequests     = 16
	DefaultMaxStreams            = 8
	DefaultIdleConnectionTimeout = 60 * time.Second
	DefaultConnectTimeout        = 5 * time.Second
	DefaultToolTimeout           = 30 * time.Second
	DefaultDegradedLatency       = time.Second
	DefaultFailureThreshold      = 3
	DefaultFailureWindow         = 30 * time.Second
	DefaultRecoveryTimeout       = 5 * time.Second
	DefaultSuccessThreshold      = 1
	DefaultPoolWaitTimeout       = time.Second
	DefaultRetryMaxAttempts      = 2
	DefaultRetryInitialDelay     = 50 * time.Millisecond
	DefaultRetryMaxDelay         = time.Second
	DefaultRetryMultiplier       = 2.0
)

// WithDefaults returns a copy of t where every zero field holds its default.
func (t Tuning) WithDefaults() Tuning {
	setInt(&t.MaxConnections, DefaultMaxConnections)
	setInt(&t.MaxActiveRequests, DefaultMaxActiveRequests)
	setInt(&t.MaxStreams, DefaultMaxStreams)
	setDuration(&t.IdleConnectionTimeout, DefaultIdleConnectionTimeout)
	setDuration(&t.ConnectTimeout, DefaultConnectTimeout)
	setDuration(&t.ToolTimeout, DefaultToolTimeout)
	setDuration(&t.DegradedLatency, DefaultDegradedLatency)
	setInt(&t.FailureThreshold, DefaultFailureThreshold)
	setDuration(&t.FailureWindow, DefaultFailureWindow)
	setDuration(&t.RecoveryTimeout, DefaultRecoveryTimeout)
	setInt(&t.SuccessThreshold, DefaultSuccessThreshold)
	setDuration(&t.PoolWaitTimeout, DefaultPoolWaitTimeout)
	setInt(&t.RetryMaxAttempts, DefaultRetryMaxAttempts)
	setDuration(&t.RetryInitialDelay, DefaultRetryInitialDelay)
	setDuration(&t.RetryMaxDelay, DefaultRetryMaxDelay)
	if t.RetryMultiplier <= 0 {
		t.RetryMultiplier = DefaultRetryMultiplier
	}
	return t
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}

// Invoker is the surface the inference engine calls tools through.
//
// Implementations must be safe for concurrent use.
type Invoker interface {
	// Call sends one JSON-RPC method to server and returns the raw result.
	// When cacheable is true a previous identical result may be returned
	// without contacting the server.
	Call(ctx context.Context, server ServerID, method string, params json.RawMessage, cacheable bool) (json.RawMessage, error)

	// InvokeTool runs a tools/call for the named tool with JSON-encoded
	// arguments. Whether the result is cached follows the server's
	// configuration.
	InvokeTool(ctx context.Context, server ServerID, tool string, args json.RawMessage) (json.RawMessage, error)

	// ListAvailableTools returns the tools of every reachable server. Servers
	// that cannot be listed are skipped.
	ListAvailableTools(ctx context.Context) ([]ToolDescriptor, error)

	// Snapshot returns the observability record of one server.
	Snapshot(server ServerID) (Snapshot, bool)

	// HealthCheck derives the server's health from its circuit state and
	// recent latency.
	HealthCheck(server ServerID) Health
}

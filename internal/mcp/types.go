package mcp

import (
	"encoding/json"
	"fmt"
	"time"
)

// ServerID identifies one logical tool server. It is the name given to the
// server in configuration and stays stable for the lifetime of the process.
type ServerID string

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportHTTP posts one JSON-RPC request per HTTP round trip. A pooled
	// connection carries exactly one in-flight call.
	TransportHTTP Transport = "http"

	// TransportWebSocket keeps a persistent duplex connection and multiplexes
	// concurrent calls by JSON-RPC id.
	TransportWebSocket Transport = "websocket"

	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportHTTP, TransportWebSocket, TransportStdio, TransportStreamableHTTP:
		return true
	default:
		return false
	}
}

// Multiplexed reports whether one physical connection of this transport can
// carry several concurrent calls.
func (t Transport) Multiplexed() bool {
	switch t {
	case TransportWebSocket, TransportStdio, TransportStreamableHTTP:
		return true
	case TransportHTTP:
		return false
	default:
		return false
	}
}

// Methods that never change server state. They are always safe to retry.
const (
	MethodToolsCall     = "tools/call"
	MethodToolsList     = "tools/list"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
	MethodPromptsList   = "prompts/list"
	MethodPing          = "ping"
)

// ReadOnlyMethod reports whether method is a protocol method without side effects.
func ReadOnlyMethod(method string) bool {
	switch method {
	case MethodToolsList, MethodResourcesList, MethodResourcesRead, MethodPromptsList, MethodPing:
		return true
	default:
		return false
	}
}

// Request is a JSON-RPC 2.0 request sent to a tool server.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest returns a request with the protocol version filled in.
func NewRequest(id uint64, method string, params json.RawMessage) *Request {
	return &Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface so transports can return an RPCError
// before it is placed into a response.
func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes used by this package.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ToolCallParams is the params object of a tools/call request.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolDescriptor describes one tool offered by a registered server. It is what
// the inference engine uses to build the tool section of a prompt.
type ToolDescriptor struct {
	Server      ServerID       `json:"server"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Health is the coarse health of one server.
type Health int

const (
	// HealthHealthy means calls succeed with normal latency.
	HealthHealthy Health = iota

	// HealthDegraded means the server answers but slowly, with a raised
	// error rate, or while its breaker is probing.
	HealthDegraded

	// HealthDown means calls are currently refused.
	HealthDown
)

// String returns the lower-case name of the health value.
func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthDown:
		return "down"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// Snapshot is the point-in-time observability record of one server.
type Snapshot struct {
	Server            ServerID      `json:"server"`
	Transport         Transport     `json:"transport"`
	CircuitState      string        `json:"circuit_state"`
	ShutdownStatus    string        `json:"shutdown_status"`
	Health            Health        `json:"health"`
	ActiveConnections int           `json:"active_connections"`
	ActiveRequests    int           `json:"active_requests"`
	PoolSize          int           `json:"pool_size"`
	PoolReuseRate     float64       `json:"pool_reuse_rate"`
	P50               time.Duration `json:"p50_ns"`
	P95               time.Duration `json:"p95_ns"`
	P99               time.Duration `json:"p99_ns"`
	ErrorRate         float64       `json:"error_rate"`
	CacheHitRate      float64       `json:"cache_hit_rate"`
	Calls             int64         `json:"calls"`
}

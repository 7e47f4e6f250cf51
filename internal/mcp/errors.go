package mcp

import (
	"errors"
	"fmt"
)

// ErrorKind is the category of a [ToolError].
type ErrorKind int

const (
	// KindCircuitOpen means the server's breaker refused the call.
	KindCircuitOpen ErrorKind = iota + 1

	// KindPoolExhausted means no pooled connection was available.
	KindPoolExhausted

	// KindLimitExceeded means the server's active-request or connection
	// limit was reached.
	KindLimitExceeded

	// KindTimeout means the server did not answer within the per-call timeout.
	KindTimeout

	// KindTransport means the transport failed while sending or receiving.
	KindTransport

	// KindShuttingDown means the server is draining or already closed.
	KindShuttingDown

	// KindProtocol means the server answered with a JSON-RPC error.
	KindProtocol

	// KindConnect means a new connection could not be established.
	KindConnect

	// KindCancelled means the caller cancelled the call.
	KindCancelled

	// KindUnknownServer means no server with that id is registered.
	KindUnknownServer
)

var kindNames = map[ErrorKind]string{
	KindCircuitOpen:   "circuit_open",
	KindPoolExhausted: "pool_exhausted",
	KindLimitExceeded: "limit_exceeded",
	KindTimeout:       "timeout",
	KindTransport:     "transport_error",
	KindShuttingDown:  "shutting_down",
	KindProtocol:      "protocol_error",
	KindConnect:       "connect_error",
	KindCancelled:     "cancelled",
	KindUnknownServer: "unknown_server",
}

// String returns the snake_case name of the kind, as used in metrics and the
// HTTP API.
func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Sentinel errors, one per [ErrorKind]. A [*ToolError] matches the sentinel of
// its kind with [errors.Is].
var (
	ErrCircuitOpen   = errors.New("mcp: circuit open")
	ErrPoolExhausted = errors.New("mcp: connection pool exhausted")
	ErrLimitExceeded = errors.New("mcp: resource limit exceeded")
	ErrTimeout       = errors.New("mcp: tool call timed out")
	ErrTransport     = errors.New("mcp: transport error")
	ErrShuttingDown  = errors.New("mcp: shutting down")
	ErrProtocol      = errors.New("mcp: protocol error")
	ErrConnect       = errors.New("mcp: connect error")
	ErrCancelled     = errors.New("mcp: call cancelled")
	ErrUnknownServer = errors.New("mcp: unknown server")
)

var kindSentinels = map[ErrorKind]error{
	KindCircuitOpen:   ErrCircuitOpen,
	KindPoolExhausted: ErrPoolExhausted,
	KindLimitExceeded: ErrLimitExceeded,
	KindTimeout:       ErrTimeout,
	KindTransport:     ErrTransport,
	KindShuttingDown:  ErrShuttingDown,
	KindProtocol:      ErrProtocol,
	KindConnect:       ErrConnect,
	KindCancelled:     ErrCancelled,
	KindUnknownServer: ErrUnknownServer,
}

// ToolError is the single error type returned by an [Invoker]. Kind keeps
// the category so that callers can tell "temporarily unavailable" apart from
// "the tool server returned an error".
type ToolError struct {
	Kind   ErrorKind
	Server ServerID
	Method string

	// Code and Message carry the server's own JSON-RPC error for
	// [KindProtocol].
	Code    int
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	prefix := fmt.Sprintf("mcp: %s %s: %s", e.Server, e.Method, e.Kind)
	switch {
	case e.Kind == KindProtocol:
		return fmt.Sprintf("%s: code %d: %s", prefix, e.Code, e.Message)
	case e.Err != nil:
		return prefix + ": " + e.Err.Error()
	case e.Message != "":
		return prefix + ": " + e.Message
	default:
		return prefix
	}
}

// Unwrap returns the underlying cause.
func (e *ToolError) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of e's kind.
func (e *ToolError) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// Temporary reports whether the error means the server may accept the same
// call later: capacity, breaker, shutdown and transport failures.
func (e *ToolError) Temporary() bool {
	switch e.Kind {
	case KindCircuitOpen, KindPoolExhausted, KindLimitExceeded, KindTimeout,
		KindTransport, KindConnect, KindShuttingDown:
		return true
	default:
		return false
	}
}

// NewToolError builds a [*ToolError] of the given kind wrapping err.
func NewToolError(kind ErrorKind, server ServerID, method string, err error) *ToolError {
	return &ToolError{Kind: kind, Server: server, Method: method, Err: err}
}

// ProtocolError builds a [KindProtocol] error from a JSON-RPC error object.
func ProtocolError(server ServerID, method string, rpcErr *RPCError) *ToolError {
	return &ToolError{
		Kind:    KindProtocol,
		Server:  server,
		Method:  method,
		Code:    rpcErr.Code,
		Message: rpcErr.Message,
	}
}

// KindOf returns the kind of err if it is or wraps a [*ToolError], and zero
// otherwise.
func KindOf(err error) ErrorKind {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

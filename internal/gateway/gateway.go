// Package gateway exposes the invoker over HTTP for inference engines that
// run in another process.
//
// Routes:
//
//	POST /v1/servers/{server}/call          body {method, params, cacheable}
//	POST /v1/servers/{server}/tools/{tool}  body = tool arguments
//	GET  /v1/tools                          every reachable tool
//	GET  /v1/servers                        snapshot of every server
//	GET  /v1/servers/{server}               snapshot of one server
//
// Successful calls answer {"result": ...}. Failures answer
// {"error": {"kind", "message", "code"}} with a status derived from the
// error kind, so a client can tell a busy server (503, 429) from a failing
// tool (502).
package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/MrWong99/toolgate/internal/mcp"
	"github.com/MrWong99/toolgate/internal/observe"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

// StatusClientClosedRequest is the non-standard status used when the client
// went away before the call finished.
const StatusClientClosedRequest = 499

// Backend is what the gateway serves.
type Backend interface {
	mcp.Invoker
	Snapshots() []mcp.Snapshot
}

// Server holds the gateway handlers.
type Server struct {
	backend Backend
}

// New creates a gateway over backend.
func New(backend Backend) *Server {
	return &Server{backend: backend}
}

// Register adds the gateway routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/servers/{server}/call", s.handleCall)
	mux.HandleFunc("POST /v1/servers/{server}/tools/{tool}", s.handleInvokeTool)
	mux.HandleFunc("GET /v1/tools", s.handleListTools)
	mux.HandleFunc("GET /v1/servers", s.handleListServers)
	mux.HandleFunc("GET /v1/servers/{server}", s.handleServer)
}

// callRequest is the JSON body of the call endpoint.
type callRequest struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	Cacheable bool            `json:"cacheable,omitempty"`
}

type resultResponse struct {
	Result json.RawMessage `json:"result"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// handleCall handles POST /v1/servers/{server}/call.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	server := mcp.ServerID(r.PathValue("server"))

	var req callRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error(), 0)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "method is required", 0)
		return
	}

	res, err := s.backend.Call(r.Context(), server, req.Method, req.Params, req.Cacheable)
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Result: res})
}

// handleInvokeTool handles POST /v1/servers/{server}/tools/{tool}.
func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	server := mcp.ServerID(r.PathValue("server"))
	tool := r.PathValue("tool")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "read body: "+err.Error(), 0)
		return
	}
	args := json.RawMessage(body)
	if len(body) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		writeError(w, http.StatusBadRequest, "bad_request", "arguments must be valid JSON", 0)
		return
	}

	res, err := s.backend.InvokeTool(r.Context(), server, tool, args)
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Result: res})
}

// handleListTools handles GET /v1/tools.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.backend.ListAvailableTools(r.Context())
	if err != nil {
		s.writeCallError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Tools []mcp.ToolDescriptor `json:"tools"`
	}{Tools: tools})
}

// handleListServers handles GET /v1/servers.
func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Servers []mcp.Snapshot `json:"servers"`
	}{Servers: s.backend.Snapshots()})
}

// handleServer handles GET /v1/servers/{server}.
func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	server := mcp.ServerID(r.PathValue("server"))
	snap, ok := s.backend.Snapshot(server)
	if !ok {
		writeError(w, http.StatusNotFound, mcp.KindUnknownServer.String(), "unknown server "+string(server), 0)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) writeCallError(w http.ResponseWriter, r *http.Request, err error) {
	var te *mcp.ToolError
	if !errors.As(err, &te) {
		if r.Context().Err() != nil {
			writeError(w, StatusClientClosedRequest, mcp.KindCancelled.String(), err.Error(), 0)
			return
		}
		observe.Logger(r.Context()).Error("gateway: untyped call error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), 0)
		return
	}
	writeError(w, StatusFor(te.Kind), te.Kind.String(), te.Error(), te.Code)
}

// StatusFor maps an error kind to the HTTP status the gateway answers with.
func StatusFor(kind mcp.ErrorKind) int {
	switch kind {
	case mcp.KindCircuitOpen, mcp.KindShuttingDown, mcp.KindPoolExhausted:
		return http.StatusServiceUnavailable
	case mcp.KindLimitExceeded:
		return http.StatusTooManyRequests
	case mcp.KindTimeout:
		return http.StatusGatewayTimeout
	case mcp.KindTransport, mcp.KindConnect, mcp.KindProtocol:
		return http.StatusBadGateway
	case mcp.KindUnknownServer:
		return http.StatusNotFound
	case mcp.KindCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string, code int) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: message, Code: code}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package control implements the transports the RPC Command Plane and SSE
// Event Plane are exposed over: an HTTP surface
// (health/events/rpc/extension_ui_response/client_tool_result/shutdown) and
// a line-delimited JSON stdio surface. Both drive the same
// internal/rpc.Dispatcher and internal/sse.Hub — the transport is a thin
// adapter over a transport-agnostic dispatcher.
//
// Narrowed from a broad TS-SDK-compatible REST surface down to these
// six endpoints.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opencode-ai/agentcore/internal/agentsession"
	"github.com/opencode-ai/agentcore/internal/clienttool"
	"github.com/opencode-ai/agentcore/internal/logging"
	"github.com/opencode-ai/agentcore/internal/rpc"
	"github.com/opencode-ai/agentcore/internal/sse"
)

// Version is reported on GET /health. Set by the cmd/agentcore build.
var Version = "dev"

// maxRequestBody enforces the 1 MB request cap.
const maxRequestBody = 1 << 20

// heartbeatInterval matches the "≈30s" cadence.
const heartbeatInterval = 30 * time.Second

// Server is the HTTP control surface over one Dispatcher/Hub pair.
type Server struct {
	router *chi.Mux
	http   *http.Server

	Dispatcher  *rpc.Dispatcher
	Hub         *sse.Hub
	Manager     *agentsession.Manager
	ClientTools *clienttool.Registry
}

// Config configures the listening address. New applies no default; the
// agentcore command supplies 127.0.0.1:19000 through its --bind/--port flags.
type Config struct {
	Addr string // host:port, e.g. "127.0.0.1:19000"
}

// New builds a Server wired to dispatcher/hub/mgr and installs routes.
func New(cfg Config, dispatcher *rpc.Dispatcher, hub *sse.Hub, mgr *agentsession.Manager, clientTools *clienttool.Registry) *Server {
	s := &Server{Dispatcher: dispatcher, Hub: hub, Manager: mgr, ClientTools: clientTools}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(rpc.Timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleEvents)
	r.Post("/rpc", s.handleRPC)
	r.Post("/extension_ui_response", s.handleUIResponse)
	r.Post("/client_tool_result", s.handleClientToolResult)
	r.Post("/shutdown", s.handleShutdown)

	s.router = r
	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
		// No overall write timeout: /events holds its connection open for
		// the SSE stream's lifetime.
		ReadTimeout: 30 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	logging.Info().Str("addr", s.http.Addr).Msg("control: http listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status    string `json:"status"`
	Ready     bool   `json:"ready"`
	Version   string `json:"version"`
	SessionID string `json:"sessionId,omitempty"`
	Streaming bool   `json:"isStreaming"`
}

// handleHealth implements the GET /health[?ready=true].
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Manager.Active()
	ready := err == nil
	resp := healthResponse{Status: "ok", Ready: ready, Version: Version}
	if sess != nil {
		resp.SessionID = sess.ID
		resp.Streaming = sess.Scheduler.IsStreaming()
	}

	if r.URL.Query().Get("ready") == "true" && !ready {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRPC implements the POST /rpc.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var cmd rpc.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if cmd.Type == "" {
		http.Error(w, "missing type field", http.StatusBadRequest)
		return
	}

	resp := s.Dispatcher.Dispatch(r.Context(), cmd)
	status := http.StatusOK
	if resp.Error != nil && resp.Error.Code == "unknown_command" {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

type uiResponseBody struct {
	SessionID string `json:"sessionId"`
	ID        string `json:"id"`
	Value     any    `json:"value"`
}

// handleUIResponse implements the POST /extension_ui_response:
// resolves a pending uibridge round-trip. Per the corresponding contract,
// an unknown id still returns 200 (it is treated as already timed out).
func (s *Server) handleUIResponse(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var body uiResponseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if sess, err := s.Manager.Get(body.SessionID); err == nil {
		sess.Bridge.Resolve(body.ID, body.Value)
	}
	w.WriteHeader(http.StatusOK)
}

type clientToolResultBody struct {
	RequestID string         `json:"requestId"`
	Status    string         `json:"status"`
	Title     string         `json:"title,omitempty"`
	Output    string         `json:"output,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// handleClientToolResult implements the POST /client_tool_result: a
// connected host submits the result of a client-executed tool call
// previously handed to it via a client_tool extension-contributed tool.
// Mirrors /extension_ui_response's "unknown id still returns 200" contract.
func (s *Server) handleClientToolResult(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var body clientToolResultBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if s.ClientTools != nil {
		s.ClientTools.SubmitResult(body.RequestID, clienttool.ToolResponse{
			Status: body.Status, Title: body.Title, Output: body.Output,
			Metadata: body.Metadata, Error: body.Error,
		})
	}
	w.WriteHeader(http.StatusOK)
}

// handleShutdown implements the POST /shutdown: 204 then
// graceful teardown, run asynchronously so the response can be written
// before the process's owning goroutine calls Shutdown.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
	go s.Manager.Shutdown()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package httpapi is the local transport boundary: a loopback-only HTTP
// server exposing start, feedback, and status for conversations, plus a host
// monitor endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/floegence/insight-agent/internal/convstore"
	"github.com/floegence/insight-agent/internal/monitor"
	"github.com/floegence/insight-agent/internal/orchestrator"
)

const defaultPort = 24117

type Options struct {
	Logger *slog.Logger
	Port   int

	// Orchestrator processes conversation turns.
	Orchestrator *orchestrator.Service

	// Store backs the conversation listing.
	Store *convstore.Store

	// Monitor serves host snapshots; nil disables the endpoint.
	Monitor *monitor.Service

	// Version is the build version reported by /api/version.
	Version string
}

type Server struct {
	log *slog.Logger

	port    int
	version string

	orch  *orchestrator.Service
	store *convstore.Store
	mon   *monitor.Service

	ln4 net.Listener
	ln6 net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("missing Orchestrator")
	}
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid Port: %d", port)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Server{
		log:     logger,
		port:    port,
		version: strings.TrimSpace(opts.Version),
		orch:    opts.Orchestrator,
		store:   opts.Store,
		mon:     opts.Monitor,
	}, nil
}

// Handler returns the route table. Exposed separately from Start so tests can
// drive it without listeners.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/conversations", s.handleList)
	mux.HandleFunc("/api/conversations/start", s.handleStart)
	mux.HandleFunc("/api/conversations/feedback", s.handleFeedback)
	mux.HandleFunc("/api/conversations/", s.handleStatus)
	mux.HandleFunc("/api/system/monitor", s.handleMonitor)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.srv != nil {
		return nil
	}

	addr4 := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", s.port))
	ln4, err := net.Listen("tcp", addr4)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr4, err)
	}
	addr6 := net.JoinHostPort("::1", fmt.Sprintf("%d", s.port))
	ln6, err := net.Listen("tcp", addr6)
	if err != nil {
		_ = ln4.Close()
		return fmt.Errorf("listen %s: %w", addr6, err)
	}

	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ln4 = ln4
	s.ln6 = ln6

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln4); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped (ipv4)", "error", err)
		}
	}()
	go func() {
		if err := s.srv.Serve(ln6); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped (ipv6)", "error", err)
		}
	}()

	s.log.Info("api listening", "port", s.port)
	return nil
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln4 != nil {
		_ = s.ln4.Close()
	}
	if s.ln6 != nil {
		_ = s.ln6.Close()
	}
	s.srv = nil
	s.ln4 = nil
	s.ln6 = nil
	return nil
}

func (s *Server) Port() int {
	if s == nil {
		return 0
	}
	return s.port
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error string `json:"error"`
}

// writeOrchestratorError maps orchestrator failures onto transport statuses.
// Surfaced understanding/planning failures are not transport errors: the
// conversation persisted in a resumable position, so the caller gets the
// structured position with a 200.
func writeOrchestratorError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, orchestrator.ErrUnderstandingFailed), errors.Is(err, orchestrator.ErrPlanningFailed):
		return false
	case errors.Is(err, orchestrator.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: "conversation not found"})
		return true
	case errors.Is(err, orchestrator.ErrConversationFinished):
		writeJSON(w, http.StatusConflict, errorResp{Error: err.Error()})
		return true
	default:
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return true
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return false
	}
	return true
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s == nil || w == nil || r == nil {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req orchestrator.StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "missing request text"})
		return
	}

	resp, err := s.orch.Start(r.Context(), req)
	if writeOrchestratorError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if s == nil || w == nil || r == nil {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req orchestrator.FeedbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "missing conversation_id or text"})
		return
	}

	resp, err := s.orch.SubmitFeedback(r.Context(), req)
	if writeOrchestratorError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus serves GET /api/conversations/{id}/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s == nil || w == nil || r == nil {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "status" || strings.TrimSpace(parts[0]) == "" {
		http.NotFound(w, r)
		return
	}

	resp, err := s.orch.GetStatus(r.Context(), parts[0])
	if writeOrchestratorError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type listResp struct {
	Conversations []convstore.ListEntry `json:"conversations"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s == nil || w == nil || r == nil {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries, err := s.store.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, listResp{Conversations: entries})
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if s == nil || w == nil || r == nil {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.mon == nil {
		writeJSON(w, http.StatusNotFound, errorResp{Error: "monitoring disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.mon.GetSnapshot(r.Context()))
}

type versionResp struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if s == nil || w == nil || r == nil {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	v := s.version
	if v == "" {
		v = "dev"
	}
	writeJSON(w, http.StatusOK, versionResp{Version: v})
}

// Package control serves the local HTTP API the panel and the CLI use to
// talk to a running agent.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/tabrelay/agent/internal/health"
	"github.com/tabrelay/agent/internal/logging"
	"github.com/tabrelay/agent/internal/messaging"
	"github.com/tabrelay/agent/internal/tabs"
)

var log = logging.L("control")

const requestTimeout = 30 * time.Second

// Sender delivers a request to the coordinator and waits for its reply.
type Sender interface {
	Send(ctx context.Context, msg messaging.Message) (messaging.Reply, error)
}

// TabSelector lists tabs and switches the active one.
type TabSelector interface {
	List() []tabs.Tab
	SetActive(id string) error
}

// ActiveTabRequest is the body of PUT /api/v1/tabs/active.
type ActiveTabRequest struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	sender Sender
	tabs   TabSelector
	health *health.Monitor

	srv *http.Server
	ln  net.Listener
}

func NewServer(sender Sender, tabs TabSelector, monitor *health.Monitor) *Server {
	s := &Server{sender: sender, tabs: tabs, health: monitor}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/toggle", s.handleToggle)
	mux.HandleFunc("GET /api/v1/tabs", s.handleTabs)
	mux.HandleFunc("PUT /api/v1/tabs/active", s.handleSetActive)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	return logRequests(mux)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("control server stopped", logging.KeyError, err)
		}
	}()
	log.Info("control api listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.relay(w, r, messaging.Message{Action: messaging.ActionGetStatus})
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	s.relay(w, r, messaging.Message{Action: messaging.ActionToggleCapture})
}

func (s *Server) relay(w http.ResponseWriter, r *http.Request, msg messaging.Message) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	reply, err := s.sender.Send(ctx, msg)
	switch {
	case errors.Is(err, messaging.ErrNoReceiver), errors.Is(err, messaging.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

func (s *Server) handleTabs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tabs.List())
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req ActiveTabRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := s.tabs.SetActive(req.ID); err != nil {
		if errors.Is(err, tabs.ErrUnknownTab) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.tabs.List())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Report()
	code := http.StatusOK
	if report.Status == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("write response failed", logging.KeyError, err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.code, "took", time.Since(start))
	})
}

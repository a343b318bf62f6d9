// Package api exposes the local control surface for the proctoring
// agent: session status for the host UI, the user-initiated camera
// retry affordance, and counter resets.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/examwatch/proctor/internal/heuristics"
	"github.com/examwatch/proctor/internal/monitor"
)

// Server is the agent's HTTP control server.
type Server struct {
	httpServer *http.Server
	session    *monitor.Session
	logger     *zap.Logger
}

// NewServer builds the control server around one monitoring session.
func NewServer(addr string, session *monitor.Session) *Server {
	s := &Server{
		session: session,
		logger:  zap.L().Named("api"),
	}

	limiter := newRateLimiter(10, time.Minute)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/camera/retry", limiter.middleware(s.handleRetryCamera))
	mux.HandleFunc("/api/counters/reset", s.handleResetCounters)
	mux.HandleFunc("/api/events/tab-switch", s.handleTabSwitch)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("control API listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Status())
}

// handleRetryCamera re-runs the acquisition sequence. This is the
// "Retry Camera Access" button: it maps a fresh user gesture onto a new
// permission prompt, which is why there is no automatic retry loop.
func (s *Server) handleRetryCamera(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.session.RetryCamera(r.Context()); err != nil {
		s.logger.Warn("camera retry failed", zap.Error(err))
		writeJSON(w, http.StatusConflict, s.session.Status())
		return
	}
	writeJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleResetCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if kind := r.URL.Query().Get("kind"); kind != "" {
		s.session.ResetActivityCounter(heuristics.Kind(kind))
	} else {
		s.session.ResetAllCounters()
	}
	writeJSON(w, http.StatusOK, s.session.Status())
}

// handleTabSwitch lets the hosting UI report focus-loss events into the
// violation pipeline.
func (s *Server) handleTabSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.session.TrackTabSwitching()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

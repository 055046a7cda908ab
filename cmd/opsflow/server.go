package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opsflow/opsflow/correlator"
	"github.com/opsflow/opsflow/store"
	"github.com/opsflow/opsflow/types"
)

// Server is the callback worker's HTTP surface plus the background wait
// sweeper.
type Server struct {
	addr       string
	store      store.TaskStore
	correlator *correlator.Correlator
	logger     *zap.Logger

	httpServer  *http.Server
	sweepCancel context.CancelFunc
}

func newServer(addr string, taskStore store.TaskStore, corr *correlator.Correlator, logger *zap.Logger) *Server {
	return &Server{
		addr:       addr,
		store:      taskStore,
		correlator: corr,
		logger:     logger.With(zap.String("component", "server")),
	}
}

// Start brings up the HTTP listener and the wait sweeper.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /callbacks", s.handleCallback)
	mux.HandleFunc("POST /signals", s.handleSignal)
	mux.HandleFunc("GET /stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	go s.correlator.RunSweeper(sweepCtx)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	s.logger.Info("server started", zap.String("addr", s.addr))
	return nil
}

// WaitForShutdown blocks until a termination signal, then drains.
func (s *Server) WaitForShutdown() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	s.sweepCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleCallback accepts one external callback delivery. The channel is
// at-least-once: duplicates come back 409 so the sender stops redelivering,
// busy threads come back 503 so it retries later.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var cb correlator.Callback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid callback body"})
		return
	}
	if cb.CorrelationKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "correlation_key is required"})
		return
	}

	rc, err := s.correlator.HandleCallback(r.Context(), cb)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rc)
	case types.HasCode(err, types.ErrThreadBusy):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "retry": true})
	case types.HasCode(err, types.ErrUnknownCorrelation):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		s.logger.Error("callback handling failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

type signalRequest struct {
	ThreadKey string `json:"thread_key"`
	Message   string `json:"message,omitempty"`
	// Kind is "resume", "disconnect", "interrupt", or "abort".
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ThreadKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "thread_key and kind are required"})
		return
	}

	var rc *correlator.ResumeContext
	var err error
	switch req.Kind {
	case "resume":
		rc, err = s.correlator.ResumeOnUserSignal(r.Context(), req.ThreadKey, req.Message)
	case "disconnect":
		rc, err = s.correlator.ResumeOnDisconnect(r.Context(), req.ThreadKey)
	case "interrupt":
		err = s.correlator.InterruptForUser(r.Context(), req.ThreadKey)
	case "abort":
		err = s.correlator.Abort(r.Context(), req.ThreadKey, req.Reason)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown signal kind"})
		return
	}

	switch {
	case err == nil && rc != nil:
		writeJSON(w, http.StatusOK, rc)
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case types.HasCode(err, types.ErrThreadBusy):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "retry": true})
	case types.HasCode(err, types.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	default:
		s.logger.Error("signal handling failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

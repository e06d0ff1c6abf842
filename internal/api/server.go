// Package api runs the inbound signal HTTP server and the outbound
// dashboard relay.
//
// The signal endpoint accepts external trading signals (entry/exit
// states keyed to 15-minute market windows) and persists them through
// the store; strategies read them back when deciding whether to act on
// a freshly discovered market.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"polymarket-hedger/internal/config"
	"polymarket-hedger/internal/store"
)

// Server is the inbound signal API.
type Server struct {
	cfg    config.SignalConfig
	store  *store.Store
	server *http.Server
	logger *slog.Logger
}

// NewServer wires the routes. port overrides cfg.Port when non-zero
// (the --port flag).
func NewServer(cfg config.SignalConfig, st *store.Store, port int, logger *slog.Logger) *Server {
	if port == 0 {
		port = cfg.Port
	}
	s := &Server{
		cfg:    cfg,
		store:  st,
		logger: logger.With("component", "signal_api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/signal", s.handleSignal)
	mux.HandleFunc("/api/signal/latest", s.handleLatest)
	mux.HandleFunc("/api/signal/", s.handleByMarket)
	mux.HandleFunc("/api/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info("signal api listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("signal api: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

type signalRequest struct {
	Timestamp int64  `json:"timestamp"`
	State     string `json:"state"`
}

type signalResponse struct {
	Success     bool   `json:"success"`
	MarketStart int64  `json:"market_start,omitempty"`
	Error       string `json:"error,omitempty"`
}

// authorized checks the x-api-key header. An empty configured key
// disables auth.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	return r.Header.Get("x-api-key") == s.cfg.APIKey
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, signalResponse{Error: "method not allowed"})
		return
	}
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, signalResponse{Error: "unauthorized"})
		return
	}

	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, signalResponse{Error: "malformed body"})
		return
	}
	if req.Timestamp <= 0 || req.State == "" {
		writeJSON(w, http.StatusBadRequest, signalResponse{Error: "timestamp and state are required"})
		return
	}

	marketStart, err := s.store.InsertSignal(r.Context(), req.Timestamp, req.State)
	if err != nil {
		s.logger.Error("signal insert failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, signalResponse{Error: "store error"})
		return
	}

	s.logger.Info("signal received", "state", req.State, "market_start", marketStart)
	writeJSON(w, http.StatusOK, signalResponse{Success: true, MarketStart: marketStart})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, signalResponse{Error: "unauthorized"})
		return
	}
	sig, err := s.store.GetLatestSignal(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, signalResponse{Error: "store error"})
		return
	}
	if sig == nil {
		// No signal yet is not an error; the body is a JSON null.
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// handleByMarket serves GET /api/signal/{market_start}.
func (s *Server) handleByMarket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, signalResponse{Error: "unauthorized"})
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/api/signal/")
	marketStart, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, signalResponse{Error: "market_start must be an integer"})
		return
	}
	sig, err := s.store.GetSignalForMarket(r.Context(), marketStart)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, signalResponse{Error: "store error"})
		return
	}
	if sig == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().UnixMilli()})
}

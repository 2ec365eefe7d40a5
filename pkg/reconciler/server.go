package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mhe/radgate/pkg/log"
	"github.com/mhe/radgate/pkg/metrics"
	"github.com/mhe/radgate/pkg/types"
)

// Server exposes the reconciler over HTTP: /signal and /keepalive, plus the
// health and metrics endpoints every service carries.
type Server struct {
	engine *Engine
	srv    *http.Server
}

// NewServer wires the engine into a router listening on addr.
func NewServer(engine *Engine, addr string) *Server {
	s := &Server{engine: engine}

	r := mux.NewRouter()
	r.Use(requestMiddleware)
	r.HandleFunc("/signal", s.handleSignal).Methods(http.MethodPost)
	r.HandleFunc("/keepalive", s.handleKeepalive).Methods(http.MethodPost)
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	log.WithComponent("reconciler").Info().Str("addr", s.srv.Addr).Msg("signal server listening")
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type signalRequest struct {
	Action types.SignalAction `json:"action"`
	Data   types.SignalData   `json:"data"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON body"})
		return
	}

	switch req.Action {
	case types.SignalCreate, types.SignalEdit, types.SignalDelete:
	default:
		log.WithComponent("reconciler").Warn().Str("action", string(req.Action)).Msg("unsupported action")
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "unsupported action"})
		return
	}

	log.WithUser(req.Data.Login).Info().
		Str("action", string(req.Action)).
		Str("hash", req.Data.Hash).
		Msg("signal received")

	result, err := s.engine.Process(r.Context(), req.Action, req.Data)
	if err != nil {
		log.WithUser(req.Data.Login).Error().Err(err).Str("action", string(req.Action)).Msg("signal failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid JSON body"})
		return
	}
	log.WithUser(payload.Login).Info().Msg("keepalive received")
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// requestMiddleware tags every request with an id and records the API
// metrics.
func requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r.Header.Set("X-Request-ID", uuid.NewString())

		next.ServeHTTP(rec, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

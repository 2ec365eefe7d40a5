package api

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
	"github.com/mhe/radgate/pkg/store"
	"github.com/mhe/radgate/pkg/types"
)

// sessionNotFoundMsg is the precondition failure answer of every admin
// write.
const sessionNotFoundMsg = "RADIUS Accounting-Start not found after 3 attempts"

// Config wires the store service surface.
type Config struct {
	Store     *store.Store
	Signals   types.SignalSink
	Keepalive types.Keepaliver

	// RetryDelay spaces the session precondition attempts; tests shrink it.
	RetryDelay time.Duration
}

// Server is the relational state API: profile CRUD, the RADIUS admission
// router, the reconciler query surface and the policy audit endpoints.
type Server struct {
	cfg Config
	srv *http.Server
}

// NewServer builds the store service listening on addr.
func NewServer(cfg Config, addr string) *Server {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	s := &Server{cfg: cfg}

	r := mux.NewRouter()
	r.Use(requestMiddleware)

	r.HandleFunc("/firewall_profiles", s.handleListProfiles).Methods(http.MethodGet)
	r.HandleFunc("/firewall_profiles", s.handleCreateProfile).Methods(http.MethodPost)
	r.HandleFunc("/firewall_profiles/update_policy_id", s.handleUpdatePolicyID).Methods(http.MethodPost)
	r.HandleFunc("/firewall_profiles/{id:[0-9]+}", s.handleGetProfile).Methods(http.MethodGet)
	r.HandleFunc("/firewall_profiles/{id:[0-9]+}", s.handleUpdateProfile).Methods(http.MethodPut)
	r.HandleFunc("/firewall_profiles/{id:[0-9]+}", s.handleDeleteProfile).Methods(http.MethodDelete)

	r.HandleFunc("/radius/event", s.handleRadiusEvent).Methods(http.MethodPost)
	r.HandleFunc("/radius_check", s.handleRadiusCheck).Methods(http.MethodGet)

	r.HandleFunc("/query/policy_id/by_hash", s.handlePolicyIDByHash).Methods(http.MethodPost)
	r.HandleFunc("/query/policy_id/check", s.handlePolicyIDCheck).Methods(http.MethodPut)
	r.HandleFunc("/query/policy_id/check", s.handlePolicyIDExists).Methods(http.MethodDelete)

	r.HandleFunc("/policy_logs", s.handleAppendPolicyLog).Methods(http.MethodPost)
	r.HandleFunc("/policy_logs/by_user", s.handlePolicyLogByUser).Methods(http.MethodGet)

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
	log.WithComponent("api").Info().Str("addr", s.srv.Addr).Msg("store API listening")
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ---- response envelopes ----

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter, data any) {
	body := map[string]any{"success": true}
	if data != nil {
		body["data"] = data
	}
	writeJSON(w, http.StatusOK, body)
}

func fail(w http.ResponseWriter, status int, errMsg, comment string) {
	body := map[string]any{"success": false, "error": errMsg}
	if comment != "" {
		body["comment"] = comment
	}
	writeJSON(w, status, body)
}

// ---- session precondition ----

// awaitSession waits for the Accounting-Start row of login: up to three
// lookups 500 ms apart, poking the application service between attempts so
// an active client re-announces itself.
func (s *Server) awaitSession(ctx context.Context, login string) (*types.Session, bool) {
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sess, err := s.cfg.Store.GetSession(ctx, login)
		if err != nil {
			log.WithUser(login).Error().Err(err).Msg("session lookup failed")
			return nil, false
		}
		if sess != nil {
			return sess, true
		}
		if attempt < maxAttempts-1 {
			if err := s.cfg.Keepalive.Keepalive(ctx, login); err != nil {
				log.WithUser(login).Debug().Err(err).Msg("keepalive failed")
			}
			select {
			case <-time.After(s.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, false
			}
		}
	}
	return nil, false
}

func (s *Server) emitSignal(action types.SignalAction, data types.SignalData) {
	// best effort, the reconciler overwrites partial state on the next
	// signal anyway
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cfg.Signals.Signal(ctx, action, data); err != nil {
		log.WithUser(data.Login).Warn().Err(err).Str("action", string(action)).Msg("signal delivery failed")
	}
}

func signalData(sess *types.Session, tcp, udp, hash string) types.SignalData {
	return types.SignalData{
		Login:         sess.UserName,
		TCPRules:      tcp,
		UDPRules:      udp,
		Hash:          hash,
		FramedIP:      sess.FramedIPAddress,
		DelegatedIPv6: sess.DelegatedIPv6Prefix,
		NASIP:         sess.NASIPAddress,
	}
}

// ---- middleware ----

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

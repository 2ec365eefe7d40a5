package report

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mhe/radgate/pkg/log"
	"github.com/mhe/radgate/pkg/metrics"
	"github.com/mhe/radgate/pkg/token"
)

// Server is the token-protected report surface subscribers reach from the
// emailed link.
type Server struct {
	analytics Queryer
	secret    []byte
	srv       *http.Server
}

// NewServer builds the report HTTP surface listening on addr.
func NewServer(analytics Queryer, secret, addr string) *Server {
	s := &Server{analytics: analytics, secret: []byte(secret)}

	r := mux.NewRouter()
	r.HandleFunc("/report", s.handleReport).Methods(http.MethodGet)
	r.HandleFunc("/download/csv", s.handleCSV).Methods(http.MethodGet)
	r.HandleFunc("/download/excel", s.handleExcel).Methods(http.MethodGet)
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
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
	log.WithComponent("report").Info().Str("addr", s.srv.Addr).Msg("report server listening")
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// authorize validates the token query parameter and loads the window it
// names. A bad token or date answers 400 and returns false.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (token.Payload, [][]string, bool) {
	tok := r.URL.Query().Get("token")
	payload, err := token.Unsign(tok, s.secret)
	if err != nil {
		http.Error(w, "invalid token", http.StatusBadRequest)
		return payload, nil, false
	}
	if _, err := time.Parse("2006-01-02", payload.Date); err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return payload, nil, false
	}

	rows, err := s.analytics.UTMLogsByUserAndDate(r.Context(), payload.Login, payload.Date)
	if err != nil {
		log.WithUser(payload.Login).Error().Err(err).Msg("report query failed")
		http.Error(w, "query failed", http.StatusInternalServerError)
		return payload, nil, false
	}
	return payload, rows, true
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	payload, rows, ok := s.authorize(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, HTMLPage(payload.Login, payload.Date, rows, r.URL.Query().Get("token")))
}

func (s *Server) handleCSV(w http.ResponseWriter, r *http.Request) {
	_, rows, ok := s.authorize(w, r)
	if !ok {
		return
	}
	body, err := CSV(rows)
	if err != nil {
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	_, _ = w.Write(body)
}

func (s *Server) handleExcel(w http.ResponseWriter, r *http.Request) {
	payload, rows, ok := s.authorize(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/vnd.ms-excel")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=utm_report_%s_%s.xls", payload.Login, payload.Date))
	_, _ = w.Write(Excel(rows))
}

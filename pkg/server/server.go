// Package server exposes health, metrics and attendance reports over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrCodeEU/rollcall/pkg/database"
	"github.com/MrCodeEU/rollcall/pkg/ledger"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/metrics"
)

// SessionStore is the read side of the sessions table. *database.DB satisfies it.
type SessionStore interface {
	Ping(ctx context.Context) error
	GetSession(ctx context.Context, id int64) (*database.Session, error)
	ListSessions(ctx context.Context, limit int) ([]database.Session, error)
}

// RecordReader lists attendance. *ledger.SQLLedger satisfies it.
type RecordReader interface {
	Records(ctx context.Context, sessionID int64) ([]ledger.Record, error)
}

// Server is the HTTP surface of a station.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	sessions   SessionStore
	records    RecordReader
	metrics    *metrics.Manager
}

// New builds the router. metrics and gatherer may be nil, in which case
// /metrics is not served and requests are not counted.
func New(addr string, sessions SessionStore, records RecordReader, m *metrics.Manager, gatherer prometheus.Gatherer) *Server {
	r := chi.NewRouter()
	s := &Server{
		router:   r,
		sessions: sessions,
		records:  records,
		metrics:  m,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.observe)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Get("/{id}", s.handleGetSession)
		r.Get("/{id}/attendance", s.handleAttendance)
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	logging.Component("server").Infof("Listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(r.Method, route, ww.Status(), elapsed)
		}
		logging.Component("server").WithFields(logging.Fields{
			"method":     r.Method,
			"route":      route,
			"status":     ww.Status(),
			"elapsed":    elapsed.String(),
			"request_id": chiMiddleware.GetReqID(r.Context()),
		}).Debug("Request served")
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Ping(r.Context()); err != nil {
		logging.Component("server").WithError(err).Warn("Health check failed")
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	sessions, err := s.sessions.ListSessions(r.Context(), limit)
	if err != nil {
		logging.Component("server").WithError(err).Error("List sessions failed")
		respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []database.Session{}
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) (*database.Session, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return nil, false
	}

	session, err := s.sessions.GetSession(r.Context(), id)
	if errors.Is(err, database.ErrSessionNotFound) {
		respondError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		logging.Component("server").WithError(err).Error("Get session failed")
		respondError(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	return session, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// AttendanceReport is the body of GET /api/sessions/{id}/attendance.
type AttendanceReport struct {
	Session database.Session `json:"session"`
	Count   int              `json:"count"`
	Records []ledger.Record  `json:"records"`
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	session, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}

	records, err := s.records.Records(r.Context(), session.ID)
	if err != nil {
		logging.Component("server").WithError(err).Error("List attendance failed")
		respondError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	respondJSON(w, http.StatusOK, AttendanceReport{Session: *session, Count: len(records), Records: records})
}

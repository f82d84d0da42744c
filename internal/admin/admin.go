// Package admin serves the operator endpoints of the daemon: health,
// metrics and the in-flight session listing.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/creastat/usersync"
	"github.com/creastat/usersync/logger"
	"github.com/creastat/usersync/session"
)

const checkTimeout = 5 * time.Second

// Status is the health response body.
type Status struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

type server struct {
	sessions *session.Manager
	checks   map[string]func(ctx context.Context) error
	log      logger.Logger
}

// NewRouter builds the admin router. metrics may be nil.
func NewRouter(sessions *session.Manager, checks map[string]func(ctx context.Context) error, metrics http.Handler, log logger.Logger) http.Handler {
	s := &server{sessions: sessions, checks: checks, log: log}

	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.liveness)
	r.Methods(http.MethodGet).Path("/readyz").HandlerFunc(s.readiness)
	r.Methods(http.MethodGet).Path("/sessions").HandlerFunc(s.listSessions)
	r.Methods(http.MethodDelete).Path("/sessions/{id}").HandlerFunc(s.endSession)
	if metrics != nil {
		r.Methods(http.MethodGet).Path("/metrics").Handler(metrics)
	}
	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.log.Debug("handled",
			logger.F("method", r.Method),
			logger.F("path", r.URL.Path),
			logger.F("status", m.Code),
			logger.F("duration", m.Duration.String()),
		)
	})
}

func (s *server) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			healthy = false
		} else {
			checks[name] = "healthy"
		}
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, Status{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}

func (s *server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Sessions())
}

// endSession force-ends a session, flushing it first.
func (s *server) endSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	h, err := s.sessions.Resume(r.Context(), id)
	if errors.Is(err, usersync.ErrSessionNotFound) || errors.Is(err, usersync.ErrSessionExpired) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := s.sessions.End(r.Context(), h); err != nil {
		code := http.StatusInternalServerError
		if usersync.IsConflict(err) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	s.log.Info("session ended by operator", logger.F("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

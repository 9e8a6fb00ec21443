// Package web exposes the HTTP API: manual sync, preferences, stats, the
// change feed, and the OAuth consent flow. The user is identified by the
// X-User header or a user query parameter.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"mrse/internal/google"
	"mrse/internal/jobs"
	"mrse/internal/model"
	"mrse/internal/storage"
	"mrse/internal/syncer"
	"mrse/pkg/logx"
)

// Server wires the handlers to the services.
type Server struct {
	store storage.Store
	sched *jobs.Service
	auth  *google.Client
	log   logx.Logger
	mux   *http.ServeMux
}

func NewServer(store storage.Store, sched *jobs.Service, auth *google.Client, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{store: store, sched: sched, auth: auth, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("GET /api/preferences", s.handleGetPreferences)
	s.mux.HandleFunc("POST /api/preferences", s.handleSavePreferences)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/changes", s.handleChanges)
	s.mux.HandleFunc("GET /api/jobs", s.handleJobs)
	s.mux.HandleFunc("GET /auth/google", s.handleAuthStart)
	s.mux.HandleFunc("GET /auth/google/callback", s.handleAuthCallback)
}

func (s *Server) Handler() http.Handler { return s.mux }

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("http server listening", logx.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSync runs one manual sync pass for the caller. The error taxonomy
// maps onto response codes so the dashboard can tell "reconnect your
// account" apart from "try again later".
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	count, err := s.sched.TriggerManualSync(r.Context(), user)
	if err != nil {
		status, msg := syncFailure(err)
		s.log.Warn("manual sync failed", logx.String("user", user), logx.Err(err))
		writeJSON(w, status, map[string]string{"error": msg})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": count})
}

func syncFailure(err error) (int, string) {
	switch {
	case errors.Is(err, syncer.ErrUnauthenticated):
		return http.StatusUnauthorized, "calendar not connected; visit /auth/google to reconnect"
	case errors.Is(err, syncer.ErrUpstreamPermissionDenied):
		return http.StatusForbidden, "calendar access denied; check the granted scopes"
	case errors.Is(err, syncer.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "calendar provider unavailable; try again later"
	default:
		return http.StatusInternalServerError, "sync failed"
	}
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	pref, found, err := s.store.GetPreference(r.Context(), user)
	if err != nil {
		s.internalError(w, "load preferences", err)
		return
	}
	if !found {
		pref = model.DefaultPreference(user)
	}
	writeJSON(w, http.StatusOK, pref)
}

// handleSavePreferences validates, persists, then reconciles the user's
// live digest job. Persist-then-swap keeps the stored row authoritative
// even if the process dies between the two steps.
func (s *Server) handleSavePreferences(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var pref model.NotificationPreference
	if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	pref.UserID = user
	if pref.Schedule == "" {
		pref.Schedule = model.DefaultPreference(user).Schedule
	}
	if pref.AdvanceHours <= 0 {
		pref.AdvanceHours = model.DefaultPreference(user).AdvanceHours
	}
	if pref.Enabled {
		if err := s.sched.Registry().Validate(pref.Schedule); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid schedule: " + err.Error()})
			return
		}
	}

	if err := s.store.SavePreference(r.Context(), pref); err != nil {
		s.internalError(w, "save preferences", err)
		return
	}
	s.sched.OnPreferenceChanged(user, pref)
	writeJSON(w, http.StatusOK, pref)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	stats, err := s.store.Stats(r.Context(), user, time.Now())
	if err != nil {
		s.internalError(w, "load stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1-500"})
			return
		}
		limit = n
	}
	changes, err := s.store.RecentChanges(r.Context(), user, limit)
	if err != nil {
		s.internalError(w, "load changes", err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Registry().Snapshot())
}

// handleAuthStart redirects to Google's consent screen. The user id rides
// along in the state parameter and comes back on the callback.
func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	http.Redirect(w, r, s.auth.AuthURL(user), http.StatusFound)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := q.Get("state")
	code := q.Get("code")
	if user == "" || code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing state or code"})
		return
	}
	if err := s.auth.Exchange(r.Context(), user, code); err != nil {
		s.internalError(w, "exchange code", err)
		return
	}
	s.log.Info("calendar connected", logx.String("user", user))
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get("X-User")
	if user == "" {
		user = r.URL.Query().Get("user")
	}
	if user == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user required (X-User header or ?user=)"})
		return "", false
	}
	return user, true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", logx.Err(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

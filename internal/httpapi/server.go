// Package httpapi exposes the local status and sync API the device UI talks
// to. It is a loopback surface, not the remote backend: authentication is a
// shared bearer token, and every response is JSON.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/fieldops/transferbox/internal/outbox"
)

type ServerConfig struct {
	// AuthToken, when set, is required as "Authorization: Bearer <token>" on
	// every route.
	AuthToken string
	Logger    outbox.Logger
}

type Server struct {
	router  *mux.Router
	store   *outbox.Store
	monitor *outbox.Monitor
	cfg     ServerConfig
}

func NewServer(store *outbox.Store, monitor *outbox.Monitor, cfg ServerConfig) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		store:   store,
		monitor: monitor,
		cfg:     cfg,
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/outbox/counts", s.handleCounts).Methods(http.MethodGet)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync", s.handleSyncAll).Methods(http.MethodPost)
	api.HandleFunc("/sync/{kind}", s.handleSyncKind).Methods(http.MethodPost)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCounts(w http.ResponseWriter, _ *http.Request) {
	counts := s.store.Counts()
	out := make(map[string]int, len(counts))
	total := 0
	for kind, count := range counts {
		out[string(kind)] = count
		total += count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts": out,
		"total":  total,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"online": s.monitor.Online(),
	}
	if lastChecked := s.monitor.LastChecked(); !lastChecked.IsZero() {
		status["lastChecked"] = lastChecked.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSyncKind(w http.ResponseWriter, r *http.Request) {
	kind, err := outbox.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown action kind")
		return
	}
	result, err := s.monitor.SyncKind(r.Context(), kind, nil)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.monitor.SyncAll(r.Context(), nil)
	if err != nil {
		s.writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, outbox.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, "offline", "remote system is unreachable")
	case errors.Is(err, outbox.ErrDrainInFlight):
		writeError(w, http.StatusConflict, "sync_in_flight", "a sync for this category is already running")
	default:
		s.logf("sync failed: %v", err)
		writeError(w, http.StatusInternalServerError, "sync_failed", err.Error())
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

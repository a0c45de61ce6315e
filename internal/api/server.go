// Package api exposes the master's HTTP surface: the event submission
// endpoint for slaves, the status query, and time-extension requests.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hourkeeper/hourkeeper/internal/daemon"
	"github.com/hourkeeper/hourkeeper/internal/domain"
	syncproto "github.com/hourkeeper/hourkeeper/internal/sync"
)

// Server handles the master's HTTP endpoints.
type Server struct {
	master   *daemon.Master
	protocol *syncproto.Master
	logger   *zap.Logger
}

// NewServer creates the API server for a running master.
func NewServer(master *daemon.Master, protocol *syncproto.Master, logger *zap.Logger) *Server {
	return &Server{master: master, protocol: protocol, logger: logger}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", s.handleEvents)
		r.Get("/status", s.handleStatus)
		r.Post("/request-time-extension", s.handleTimeExtension)
	})
	return r
}

// handleEvents receives a slave's event batch and replies with the
// events queued for that host.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var req syncproto.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	reply, err := s.protocol.HandlePush(r.Context(), req)
	if err != nil {
		if errors.Is(err, syncproto.ErrBadSecret) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.logger.Error("event push failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if reply == nil {
		reply = []domain.AdminEvent{}
	}
	writeJSON(w, reply)
}

// handleStatus serves the latest computed status of one user.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username parameter required", http.StatusNotFound)
		return
	}
	status, ok := s.master.StatusFor(username)
	if !ok {
		http.Error(w, "unknown or unmonitored user", http.StatusNotFound)
		return
	}
	writeJSON(w, status)
}

// handleTimeExtension validates the per-user access code and grants a
// temporary extension within the optional-time budget.
func (s *Server) handleTimeExtension(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	username := query.Get("username")
	secret := query.Get("secret")
	lengthParam := query.Get("extension_length")
	if username == "" || lengthParam == "" {
		http.Error(w, "missing parameter", http.StatusNotFound)
		return
	}
	minutes, err := strconv.Atoi(lengthParam)
	if err != nil || minutes <= 0 {
		http.Error(w, "invalid extension length", http.StatusNotFound)
		return
	}

	err = s.master.RequestTimeExtension(r.Context(), username, secret, minutes)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	case errors.Is(err, daemon.ErrUnknownUser):
		http.Error(w, "unknown user", http.StatusNotFound)
	case errors.Is(err, daemon.ErrBadAccessCode):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, daemon.ErrOverBudget):
		http.Error(w, "extension exceeds available optional time", http.StatusRequestedRangeNotSatisfiable)
	default:
		s.logger.Error("time extension request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already written; nothing left to do.
		return
	}
}

package boxd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the HTTP surface over a Dispatcher: the session API under /v1,
// the health probe, and the per-session reverse proxy under /p. TTL bounds
// are enforced here, at the interface boundary; everything past the handler
// speaks durations the Dispatcher trusts.
type Server struct {
	dispatcher  *Dispatcher
	runner      Runner
	session     SessionConfig
	profilesDir string
	logger      *slog.Logger
}

// NewServer returns a Server exposing d.
func NewServer(d *Dispatcher, runner Runner, session SessionConfig, profilesDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		dispatcher:  d,
		runner:      runner,
		session:     session,
		profilesDir: profilesDir,
		logger:      logger,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleCreate)
	mux.HandleFunc("GET /v1/sessions", s.handleList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleStop)
	mux.HandleFunc("POST /v1/sessions/{id}/extend", s.handleExtend)
	mux.HandleFunc("POST /v1/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /v1/profiles", s.handleProfiles)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("/p/{id}/", s.handleProxy)
	return mux
}

type createSessionRequest struct {
	TTLMs    int64             `json:"ttlMs,omitempty"`
	OwnerID  string            `json:"ownerId,omitempty"`
	Profile  string            `json:"profile,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}

	ttl := time.Duration(req.TTLMs) * time.Millisecond
	if req.TTLMs != 0 {
		if ttl < s.session.MinTTL() || ttl > s.session.MaxTTL() {
			s.writeError(w, http.StatusBadRequest,
				fmt.Errorf("ttlMs must be between %d and %d", s.session.MinTTL().Milliseconds(), s.session.MaxTTL().Milliseconds()))
			return
		}
	}

	view, err := s.dispatcher.Create(r.Context(), CreateRequest{
		TTL:      ttl,
		OwnerID:  req.OwnerID,
		Profile:  req.Profile,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.writeError(w, createStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, view)
}

// createStatus maps a create failure to its status code, keeping capacity
// and provisioning failures distinguishable from "no such session" so
// callers can choose retry-with-backoff versus permanent failure.
func createStatus(err error) int {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrImageUnavailable), errors.Is(err, ErrProvisionFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrProfileNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidProfile):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.dispatcher.Sessions(),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	view, ok := s.dispatcher.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, ErrSessionNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// handleStop is idempotent-success-biased: stopping an already-gone session
// is a 200, not a 404. The body reports whether this request performed the
// teardown.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.dispatcher.Stop(r.Context(), r.PathValue("id"))
	s.writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

type extendSessionRequest struct {
	ExtendMs int64 `json:"extendMs"`
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	var req extendSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	extra := time.Duration(req.ExtendMs) * time.Millisecond
	if extra < s.session.MinTTL() || extra > s.session.MaxTTL() {
		s.writeError(w, http.StatusBadRequest,
			fmt.Errorf("extendMs must be between %d and %d", s.session.MinTTL().Milliseconds(), s.session.MaxTTL().Milliseconds()))
		return
	}

	id := r.PathValue("id")
	expiresAt, err := s.dispatcher.Extend(r.Context(), id, extra)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":              id,
		"expiresAt":       expiresAt,
		"remainingTimeMs": s.dispatcher.Remaining(id).Milliseconds(),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	reclaimed, err := s.dispatcher.Cleanup(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"reclaimed": reclaimed})
}

func (s *Server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	profiles, err := DiscoverAllProfiles(s.profilesDir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		names = append(names, p.Name)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"profiles": names})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.runner.Ping(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"sessions":   s.dispatcher.Active(),
		"slotsInUse": s.dispatcher.SlotsInUse(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// Package httpapi exposes the teach-back engine over REST.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/feynmed/teachback/internal/config"
	"github.com/feynmed/teachback/internal/lifecycle"
	"github.com/feynmed/teachback/internal/llm"
	"github.com/feynmed/teachback/internal/observability"
	"github.com/feynmed/teachback/internal/quota"
	"github.com/feynmed/teachback/internal/session"
	"github.com/feynmed/teachback/internal/store"
)

// HealthGate mirrors the maintenance flag owned by the LLM monitor.
type HealthGate interface {
	InMaintenance() bool
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	health   HealthGate
	metrics  *observability.Metrics
}

func New(cfg config.Config, sessions *session.Manager, health HealthGate, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		health:   health,
		metrics:  metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.cfg.AllowAnyOrigin {
		r.Use(allowAnyOrigin)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/input", s.handleInput)
	r.Post("/v1/sessions/{id}/acknowledge", s.handleAcknowledge)
	r.Post("/v1/sessions/{id}/end-teaching", s.handleEndTeaching)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/transcript", s.handleTranscript)
	r.Get("/v1/sessions/{id}/summary", s.handleSummary)
	r.Get("/v1/quota", s.handleQuota)

	return r
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil && s.health.InMaintenance() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "maintenance"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type createSessionRequest struct {
	UserID     string `json:"user_id"`
	Plan       string `json:"plan"`
	Topic      string `json:"topic"`
	InputMode  string `json:"input_mode"`
	OutputMode string `json:"output_mode"`
}

type createSessionResponse struct {
	SessionID  string           `json:"session_id"`
	State      lifecycle.State  `json:"state"`
	Topic      string           `json:"topic"`
	InputMode  store.InputMode  `json:"input_mode"`
	OutputMode store.OutputMode `json:"output_mode"`
	CreatedAt  time.Time        `json:"created_at"`
	Notices    []string         `json:"notices,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	if strings.TrimSpace(req.InputMode) == "" {
		req.InputMode = string(store.InputText)
	}

	sess, notices, err := s.sessions.CreateSession(r.Context(), session.CreateParams{
		UserID:     req.UserID,
		Plan:       req.Plan,
		Topic:      req.Topic,
		InputMode:  store.InputMode(req.InputMode),
		OutputMode: store.OutputMode(req.OutputMode),
	})
	if err != nil {
		s.respondSessionError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:  sess.ID,
		State:      sess.State,
		Topic:      sess.Topic,
		InputMode:  sess.InputMode,
		OutputMode: sess.OutputMode,
		CreatedAt:  sess.CreatedAt,
		Notices:    notices,
	})
}

type inputRequest struct {
	Text string `json:"text"`
	// Audio is base64-encoded by Go's JSON codec.
	Audio []byte `json:"audio,omitempty"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req inputRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.sessions.ProcessInput(r.Context(), id, session.Input{Text: req.Text, Audio: req.Audio})
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.AcknowledgeInterruption(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"state":      sess.State,
	})
}

func (s *Server) handleEndTeaching(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.EndTeaching(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sessions.EndSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	entries, err := s.sessions.Transcript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.sessions.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "summary_not_found", "no summary for this session yet")
			return
		}
		s.respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "query parameter user_id is required")
		return
	}
	plan := r.URL.Query().Get("plan")

	remaining, err := s.sessions.RemainingQuota(r.Context(), userID, plan)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, remaining)
}

// respondSessionError maps domain errors onto HTTP statuses.
func (s *Server) respondSessionError(w http.ResponseWriter, err error) {
	var qerr *quota.QuotaExceededError
	var terr *lifecycle.InvalidTransitionError
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.As(err, &qerr):
		w.Header().Set("Retry-After", qerr.ResetsAt.UTC().Format(http.TimeFormat))
		respondError(w, http.StatusTooManyRequests, "quota_exceeded", err.Error())
	case errors.Is(err, session.ErrMaintenance), errors.Is(err, llm.ErrAllProvidersFailed):
		respondError(w, http.StatusServiceUnavailable, "maintenance", "the tutor is temporarily unavailable, please retry shortly")
	case errors.Is(err, session.ErrSessionBusy):
		respondError(w, http.StatusConflict, "session_busy", err.Error())
	case errors.Is(err, session.ErrCompleted):
		respondError(w, http.StatusConflict, "session_completed", err.Error())
	case errors.As(err, &terr):
		respondError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, session.ErrVoiceDisabled), errors.Is(err, session.ErrAudioNotWanted):
		respondError(w, http.StatusUnprocessableEntity, "voice_not_accepted", err.Error())
	case errors.Is(err, session.ErrTextRequired), errors.Is(err, session.ErrInvalidParams):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

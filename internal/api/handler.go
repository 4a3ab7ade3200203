package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ybryx/memcore/internal/memory"
)

// Service is the coordinator surface the HTTP layer needs.
type Service interface {
	LoadContext(ctx context.Context, userID, sessionID, query string) (*memory.ContextSnapshot, error)
	WriteMemory(ctx context.Context, userID, sessionID string, p memory.Payload) error
	Recall(ctx context.Context, userID, query string, tags []string) ([]memory.ScoredRecord, error)
	LogEvent(ctx context.Context, userID, eventType string, data map[string]any) error
	Decay(ctx context.Context, userID string, cutoff time.Time, opts memory.DecayOptions) (*memory.DecayReport, error)
	OpenSession(ctx context.Context, userID, agentName string) (string, error)
	CloseSession(ctx context.Context, sessionID, status string) error
	LogExecution(ctx context.Context, ex *memory.Execution) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc    Service
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/sessions", h.openSession)
		r.Post("/sessions/{sessionID}/close", h.closeSession)

		r.Route("/memory", func(r chi.Router) {
			r.Post("/context", h.loadContext)
			r.Post("/write", h.writeMemory)
			r.Post("/recall", h.recall)
			r.Post("/events", h.logEvent)
			r.Post("/decay", h.decay)
		})

		r.Post("/executions", h.logExecution)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type openSessionRequest struct {
	UserID    string `json:"user_id"`
	AgentName string `json:"agent_name"`
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sessionID, err := h.svc.OpenSession(r.Context(), req.UserID, req.AgentName)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.svc.CloseSession(r.Context(), chi.URLParam(r, "sessionID"), req.Status); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

type contextRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Query     string `json:"query,omitempty"`
}

func (h *Handler) loadContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	snap, err := h.svc.LoadContext(r.Context(), req.UserID, req.SessionID, req.Query)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type writeRequest struct {
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Payload   memory.Payload `json:"payload"`
}

func (h *Handler) writeMemory(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.svc.WriteMemory(r.Context(), req.UserID, req.SessionID, req.Payload); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "written"})
}

type recallRequest struct {
	UserID string   `json:"user_id"`
	Query  string   `json:"query"`
	Tags   []string `json:"tags,omitempty"`
}

func (h *Handler) recall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	results, err := h.svc.Recall(r.Context(), req.UserID, req.Query, req.Tags)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type eventRequest struct {
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}

func (h *Handler) logEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.svc.LogEvent(r.Context(), req.UserID, req.EventType, req.Data); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "logged"})
}

type decayRequest struct {
	UserID        string `json:"user_id"`
	OlderThanDays int    `json:"older_than_days"`
	AgentName     string `json:"agent_name,omitempty"`
	IncludeExempt bool   `json:"include_exempt,omitempty"`
}

func (h *Handler) decay(w http.ResponseWriter, r *http.Request) {
	var req decayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.OlderThanDays <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "older_than_days must be positive"})
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -req.OlderThanDays)
	report, err := h.svc.Decay(r.Context(), req.UserID, cutoff, memory.DecayOptions{
		AgentName:     req.AgentName,
		IncludeExempt: req.IncludeExempt,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) logExecution(w http.ResponseWriter, r *http.Request) {
	var ex memory.Execution
	if err := json.NewDecoder(r.Body).Decode(&ex); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.svc.LogExecution(r.Context(), &ex); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case memory.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, memory.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, memory.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

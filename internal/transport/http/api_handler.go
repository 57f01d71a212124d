package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"tournament-engine/internal/domain"
	"tournament-engine/internal/engine"
)

// APIHandler exposes the thin operator surface over the orchestrator:
// create, start, stop, enroll, stats. Everything else (auth, UI) lives
// outside this service.
type APIHandler struct {
	orch *engine.Orchestrator
}

func NewAPIHandler(orch *engine.Orchestrator) *APIHandler {
	return &APIHandler{orch: orch}
}

// Register mounts the handler's routes on mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", h.createSession)
	mux.HandleFunc("POST /sessions/{id}/start", h.startSession)
	mux.HandleFunc("POST /sessions/{id}/stop", h.stopSession)
	mux.HandleFunc("POST /sessions/{id}/participants", h.addParticipant)
	mux.HandleFunc("GET /stats", h.stats)
}

type createSessionRequest struct {
	ID               string    `json:"id"`
	QuizID           string    `json:"quizId"`
	StartAt          time.Time `json:"startAt"`
	QuestionDeadline string    `json:"questionDeadline"`
	Duration         string    `json:"duration"`
}

func (h *APIHandler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.QuizID == "" {
		http.Error(w, "id and quizId are required", http.StatusBadRequest)
		return
	}

	params := engine.SessionParams{
		ID:      req.ID,
		QuizID:  req.QuizID,
		StartAt: req.StartAt,
	}
	if req.QuestionDeadline != "" {
		d, err := time.ParseDuration(req.QuestionDeadline)
		if err != nil {
			http.Error(w, "invalid questionDeadline", http.StatusBadRequest)
			return
		}
		params.QuestionDeadline = d
	}
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			http.Error(w, "invalid duration", http.StatusBadRequest)
			return
		}
		params.Duration = d
	}

	if err := h.orch.CreateSession(r.Context(), params); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *APIHandler) startSession(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.StartSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) stopSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator_stop"
	}
	if err := h.orch.StopSession(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) addParticipant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	if err := h.orch.Register(r.Context(), r.PathValue("id"), req.UserID, req.DisplayName); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orch.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrSessionExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrStaleSubmission):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrQuizNotFound), errors.Is(err, domain.ErrParticipantNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

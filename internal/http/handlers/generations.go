package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mediagen/internal/dispatch"
	"mediagen/internal/domain"
)

// maxRequestBytes caps a generation submission body.
const maxRequestBytes = 1 << 20

type generationStatus string

const (
	statusPending   generationStatus = "pending"
	statusCompleted generationStatus = "completed"
	statusFailed    generationStatus = "failed"
)

type generationResponse struct {
	ID          string               `json:"id"`
	Status      generationStatus     `json:"status"`
	Provider    string               `json:"provider"`
	Model       string               `json:"model"`
	Expected    int                  `json:"expected_count"`
	Succeeded   int                  `json:"succeeded"`
	Error       *domain.RequestError `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	TimeoutAt   *time.Time           `json:"timeout_at,omitempty"`
	Annotations map[string]any       `json:"annotations,omitempty"`
	Outputs     []domain.Output      `json:"outputs"`
}

func (a *App) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	id, err := a.Generator.Dispatch(r.Context(), req)
	var failure *dispatch.Error
	switch {
	case err == nil:
		a.json(w, http.StatusAccepted, map[string]string{"id": id, "status": string(statusPending)})
	case errors.As(err, &failure):
		a.json(w, http.StatusBadGateway, map[string]any{
			"id":    id,
			"error": failure.Detail,
		})
	case errors.Is(err, domain.ErrUnknownProvider):
		a.error(w, http.StatusNotFound, "unknown_provider", err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		a.error(w, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		a.Logger.Error().Err(err).Msg("dispatch failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to start generation")
	}
}

func (a *App) GetGeneration(w http.ResponseWriter, r *http.Request) {
	state, ok := a.loadState(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, toGenerationResponse(state))
}

func (a *App) loadState(w http.ResponseWriter, r *http.Request) (*domain.RequestState, bool) {
	id := chi.URLParam(r, "id")
	state, err := a.States.GetState(r.Context(), id)
	if err != nil {
		a.Logger.Error().Err(err).Str("request_id", id).Msg("load state failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load generation")
		return nil, false
	}
	if state == nil {
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
		return nil, false
	}
	return state, true
}

func toGenerationResponse(state *domain.RequestState) generationResponse {
	m := state.Meta
	resp := generationResponse{
		ID:          m.ID,
		Status:      statusPending,
		Provider:    m.Provider,
		Model:       m.Model,
		Expected:    m.ExpectedCount,
		Succeeded:   state.SuccessCount(),
		Error:       m.Error,
		CreatedAt:   m.CreatedAt,
		CompletedAt: m.CompletedAt,
		TimeoutAt:   m.TimeoutAt,
		Annotations: m.Annotations,
		Outputs:     state.Outputs,
	}
	if resp.Outputs == nil {
		resp.Outputs = []domain.Output{}
	}
	if m.Completed() {
		resp.Status = statusCompleted
		if m.Error != nil {
			resp.Status = statusFailed
		}
	}
	return resp
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"mediagen/internal/dispatch"
	"mediagen/internal/domain"
	"mediagen/internal/infra"
	"mediagen/internal/projection"
	"mediagen/internal/storage"
)

// Generator starts a generation request.
type Generator interface {
	Dispatch(ctx context.Context, req dispatch.Request) (string, error)
}

// StateReader reads the live request state.
type StateReader interface {
	GetState(ctx context.Context, id string) (*domain.RequestState, error)
}

// ArtifactLister reads projected artifact rows.
type ArtifactLister interface {
	ListArtifacts(ctx context.Context, requestID string) ([]projection.ArtifactRow, error)
}

type App struct {
	Generator Generator
	States    StateReader
	Artifacts ArtifactLister
	Store     storage.BlobStore
	SQL       infra.SQLExecutor
	Logger    infra.Logger
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, msg string) {
	a.json(w, status, map[string]errorPayload{"error": {Code: code, Message: msg}})
}

// Package webhook accepts provider callbacks, normalizes them into the
// canonical payload and forwards them to the request actor.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"mediagen/internal/actor"
	"mediagen/internal/domain"
	"mediagen/internal/infra"
)

// maxBodyBytes caps a single webhook delivery.
const maxBodyBytes = 8 << 20

// Adapter translates one provider's webhook dialect.
type Adapter interface {
	Name() string
	Verify(ctx context.Context, r *http.Request, body []byte) error
	Normalize(body []byte) (json.RawMessage, error)
}

// Actor records a delivery against a request.
type Actor interface {
	RecordWebhook(ctx context.Context, id string, raw json.RawMessage) (actor.WebhookResult, error)
}

// Pipeline materializes the pending items of one delivery.
type Pipeline interface {
	Process(ctx context.Context, requestID string, meta domain.RequestMeta, items []domain.PendingItem)
}

// Spawner runs the pipeline after the response has been written.
type Spawner interface {
	Go(name string, fn func(ctx context.Context))
}

type Receiver struct {
	adapters map[string]Adapter
	actor    Actor
	pipeline Pipeline
	tasks    Spawner
	log      infra.Logger
}

func NewReceiver(a Actor, p Pipeline, tasks Spawner, log infra.Logger, adapters ...Adapter) *Receiver {
	r := &Receiver{
		adapters: make(map[string]Adapter, len(adapters)),
		actor:    a,
		pipeline: p,
		tasks:    tasks,
		log:      log.With().Str("component", "webhook").Logger(),
	}
	for _, ad := range adapters {
		r.adapters[ad.Name()] = ad
	}
	return r
}

type ackResponse struct {
	Accepted bool `json:"accepted"`
	Items    int  `json:"items"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Handle serves POST /v1/webhooks/{provider}?request_id=...
func (rc *Receiver) Handle(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(r.URL.Query().Get("request_id"))
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "request_id query parameter is required")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body exceeds limit")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "bad_request", "webhook body is not valid JSON")
		return
	}

	name := strings.ToLower(chi.URLParam(r, "provider"))
	adapter, ok := rc.adapters[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_provider", "no webhook adapter for provider")
		return
	}
	logger := rc.log.With().Str("request_id", requestID).Str("provider", name).Logger()

	if err := adapter.Verify(r.Context(), r, body); err != nil {
		logger.Warn().Err(err).Msg("webhook rejected")
		writeError(w, http.StatusUnauthorized, "invalid_signature", "webhook signature verification failed")
		return
	}

	// Bodies the adapter cannot read still reach the actor so the schema
	// check records them as a validation output.
	raw, err := adapter.Normalize(body)
	if err != nil {
		logger.Debug().Err(err).Msg("normalize failed, forwarding raw body")
		raw = body
	}

	res, err := rc.actor.RecordWebhook(r.Context(), requestID, raw)
	switch {
	case errors.Is(err, domain.ErrNotInitialized):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "not_initialized", "request is not initialized yet")
		return
	case err != nil:
		logger.Error().Err(err).Msg("record webhook failed")
		writeError(w, http.StatusInternalServerError, "internal", "failed to record webhook")
		return
	}

	if len(res.Items) > 0 && rc.pipeline != nil {
		items, meta := res.Items, res.Meta
		run := func(ctx context.Context) { rc.pipeline.Process(ctx, requestID, meta, items) }
		if rc.tasks != nil {
			rc.tasks.Go("artifact-pipeline", run)
		} else {
			run(context.WithoutCancel(r.Context()))
		}
	}
	logger.Debug().Int("items", len(res.Items)).Msg("webhook accepted")
	writeJSON(w, http.StatusOK, ackResponse{Accepted: true, Items: len(res.Items)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	var body errorBody
	body.Error.Code = errCode
	body.Error.Message = msg
	writeJSON(w, code, body)
}

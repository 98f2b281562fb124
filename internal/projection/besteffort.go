package projection

import (
	"context"
	"time"

	"mediagen/internal/domain"
)

// The Record* methods are the best-effort entry points used by the hot path:
// failures are logged and reported to the failure hook, never returned.

// RecordGeneration mirrors a freshly dispatched request.
func (w *Writer) RecordGeneration(ctx context.Context, meta domain.RequestMeta) {
	w.report(ctx, meta.ID, "generation", w.UpsertGeneration(ctx, meta))
}

// RecordArtifact mirrors one stored artifact before the request completes.
func (w *Writer) RecordArtifact(ctx context.Context, requestID string, artifact domain.Artifact, at time.Time) {
	w.report(ctx, requestID, "artifact", w.InsertArtifacts(ctx, requestID, []domain.Artifact{artifact}, at))
}

// RecordCompletion mirrors the completion marker.
func (w *Writer) RecordCompletion(ctx context.Context, requestID string, completedAt time.Time, reqErr *domain.RequestError) {
	w.report(ctx, requestID, "completion", w.MarkCompleted(ctx, requestID, completedAt, reqErr))
}

// RecordTimeout adapts RecordCompletion to the actor timeout hook.
func (w *Writer) RecordTimeout(ctx context.Context, state *domain.RequestState) {
	if state == nil || state.Meta.CompletedAt == nil {
		return
	}
	w.RecordCompletion(ctx, state.Meta.ID, *state.Meta.CompletedAt, state.Meta.Error)
}

func (w *Writer) report(ctx context.Context, requestID, what string, err error) {
	if err == nil {
		return
	}
	w.log.Error().Err(err).Str("request_id", requestID).Str("write", what).Msg("projection write failed")
	if w.onFailure != nil {
		w.onFailure(ctx, requestID, err)
	}
}

// Package projection mirrors request state into relational tables for
// browsing. The actor remains authoritative; writes here never feed back
// into completion.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediagen/internal/domain"
	"mediagen/internal/infra"
	"mediagen/internal/sqlinline"
)

// MaxParams is the per-statement bind parameter ceiling.
const MaxParams = 100

const artifactColumns = 9

// FailureHook is told about a failed best-effort write.
type FailureHook func(ctx context.Context, requestID string, err error)

// Writer issues projection statements through an infra.SQLExecutor.
type Writer struct {
	db        infra.SQLExecutor
	log       infra.Logger
	maxParams int
	onFailure FailureHook
}

// Option customizes a Writer.
type Option func(*Writer)

// WithMaxParams overrides the bind parameter ceiling.
func WithMaxParams(n int) Option {
	return func(w *Writer) {
		if n >= artifactColumns {
			w.maxParams = n
		}
	}
}

// WithFailureHook registers a callback for best-effort write failures.
func WithFailureHook(h FailureHook) Option {
	return func(w *Writer) { w.onFailure = h }
}

func NewWriter(db infra.SQLExecutor, log infra.Logger, opts ...Option) *Writer {
	w := &Writer{db: db, log: log, maxParams: MaxParams}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// EnsureSchema creates the projection tables when missing.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.db.Exec(ctx, sqlinline.QEnsureProjectionSchema)
	return err
}

// UpsertGeneration writes the generation row for meta.
func (w *Writer) UpsertGeneration(ctx context.Context, meta domain.RequestMeta) error {
	annotations, err := marshalOptional(meta.Annotations)
	if err != nil {
		return fmt.Errorf("projection: encode annotations: %w", err)
	}
	reqErr, err := marshalOptional(meta.Error)
	if err != nil {
		return fmt.Errorf("projection: encode error: %w", err)
	}
	var input any
	if len(meta.Input) > 0 {
		input = string(meta.Input)
	}
	_, err = w.db.Exec(ctx, sqlinline.QUpsertGeneration,
		meta.ID,
		meta.Provider,
		meta.Model,
		input,
		meta.OutputFormat,
		meta.ExpectedCount,
		annotations,
		reqErr,
		meta.CreatedAt,
		meta.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("projection: upsert generation %s: %w", meta.ID, err)
	}
	return nil
}

// InsertArtifacts writes artifact rows in chunks that respect maxParams.
func (w *Writer) InsertArtifacts(ctx context.Context, requestID string, artifacts []domain.Artifact, createdAt time.Time) error {
	perStatement := w.maxParams / artifactColumns
	for start := 0; start < len(artifacts); start += perStatement {
		end := start + perStatement
		if end > len(artifacts) {
			end = len(artifacts)
		}
		query, args, err := buildArtifactInsert(requestID, artifacts[start:end], createdAt)
		if err != nil {
			return err
		}
		if _, err := w.db.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("projection: insert artifacts %s [%d:%d]: %w", requestID, start, end, err)
		}
	}
	return nil
}

func buildArtifactInsert(requestID string, artifacts []domain.Artifact, createdAt time.Time) (string, []any, error) {
	var b strings.Builder
	b.WriteString(sqlinline.QInsertArtifactsPrefix)
	args := make([]any, 0, len(artifacts)*artifactColumns)
	for i, a := range artifacts {
		id, err := uuid.Parse(a.ArtifactID)
		if err != nil {
			return "", nil, fmt.Errorf("projection: artifact id %q: %w", a.ArtifactID, err)
		}
		var metadata any
		if len(a.Metadata) > 0 {
			metadata = string(a.Metadata)
		}
		if i > 0 {
			b.WriteString(",\n")
		}
		n := len(args)
		fmt.Fprintf(&b, "($%d::uuid, $%d::text, $%d::text, $%d::text, $%d::int, $%d::bigint, $%d::float8, $%d::jsonb, $%d::timestamptz)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9)
		args = append(args, id, requestID, a.Key, a.ContentType, a.Index, a.Seed, a.Cost, metadata, createdAt)
	}
	b.WriteString(sqlinline.QInsertArtifactsSuffix)
	return b.String(), args, nil
}

// MarkCompleted sets completed_at once and, when given, the request error.
func (w *Writer) MarkCompleted(ctx context.Context, requestID string, completedAt time.Time, reqErr *domain.RequestError) error {
	encoded, err := marshalOptional(reqErr)
	if err != nil {
		return fmt.Errorf("projection: encode error: %w", err)
	}
	if _, err := w.db.Exec(ctx, sqlinline.QMarkGenerationCompleted, requestID, completedAt, encoded); err != nil {
		return fmt.Errorf("projection: mark completed %s: %w", requestID, err)
	}
	return nil
}

// Reproject rewrites every row derived from state. Statements are idempotent.
func (w *Writer) Reproject(ctx context.Context, state *domain.RequestState) error {
	if state == nil {
		return errors.New("projection: nil state")
	}
	if err := w.UpsertGeneration(ctx, state.Meta); err != nil {
		return err
	}
	byTime := map[time.Time][]domain.Artifact{}
	var order []time.Time
	for _, out := range state.Outputs {
		if !out.IsSuccess() {
			continue
		}
		if _, ok := byTime[out.Timestamp]; !ok {
			order = append(order, out.Timestamp)
		}
		byTime[out.Timestamp] = append(byTime[out.Timestamp], *out.Artifact)
	}
	for _, at := range order {
		if err := w.InsertArtifacts(ctx, state.Meta.ID, byTime[at], at); err != nil {
			return err
		}
	}
	return nil
}

// ArtifactRow is one row of the artifacts table.
type ArtifactRow struct {
	ID          string          `json:"id"`
	Key         string          `json:"key"`
	ContentType string          `json:"contentType"`
	Index       int             `json:"index"`
	Seed        *int64          `json:"seed,omitempty"`
	Cost        *float64        `json:"cost,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ListArtifacts returns projected artifact rows for one generation.
func (w *Writer) ListArtifacts(ctx context.Context, requestID string) ([]ArtifactRow, error) {
	rows, err := w.db.Query(ctx, sqlinline.QListArtifactsByGeneration, requestID)
	if err != nil {
		return nil, fmt.Errorf("projection: list artifacts %s: %w", requestID, err)
	}
	defer rows.Close()
	out := []ArtifactRow{}
	for rows.Next() {
		var (
			row      ArtifactRow
			id       uuid.UUID
			metadata []byte
		)
		if err := rows.Scan(&id, &row.Key, &row.ContentType, &row.Index, &row.Seed, &row.Cost, &metadata, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("projection: scan artifact: %w", err)
		}
		row.ID = id.String()
		if len(metadata) > 0 {
			row.Metadata = json.RawMessage(metadata)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func marshalOptional(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	case *domain.RequestError:
		if t == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

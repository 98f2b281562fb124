// Package artifact downloads provider outputs into blob storage and confirms
// them with the request actor.
package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediagen/internal/actor"
	"mediagen/internal/dispatch"
	"mediagen/internal/domain"
	"mediagen/internal/infra"
	"mediagen/internal/storage"
)

const (
	// defaultMaxArtifactBytes bounds a single download.
	defaultMaxArtifactBytes  = 512 << 20
	defaultProjectionTimeout = 30 * time.Second
)

// Confirmer appends finished outputs to the request.
type Confirmer interface {
	ConfirmOutputs(ctx context.Context, id string, outputs []domain.Output) (actor.ConfirmResult, error)
}

// Projector mirrors stored artifacts and completion into the read model.
type Projector interface {
	RecordArtifact(ctx context.Context, requestID string, artifact domain.Artifact, at time.Time)
	RecordCompletion(ctx context.Context, requestID string, completedAt time.Time, reqErr *domain.RequestError)
}

// Spawner runs projection writes apart from the confirm path.
type Spawner interface {
	Go(name string, fn func(ctx context.Context))
}

type Config struct {
	Store        storage.BlobStore
	Actor        Confirmer
	Projection   Projector
	Tasks        Spawner
	HTTPClient   *http.Client
	FetchTimeout time.Duration
	// ProjectionTimeout bounds the projection writes of one delivery.
	ProjectionTimeout time.Duration
	MaxArtifactBytes  int64
	Logger            infra.Logger
	Now               func() time.Time
	NewID             func() string
}

type Pipeline struct {
	store             storage.BlobStore
	actor             Confirmer
	projection        Projector
	tasks             Spawner
	client            *http.Client
	fetchTimeout      time.Duration
	projectionTimeout time.Duration
	maxBytes          int64
	log               infra.Logger
	now               func() time.Time
	newID             func() string
}

func NewPipeline(cfg Config) *Pipeline {
	p := &Pipeline{
		store:             cfg.Store,
		actor:             cfg.Actor,
		projection:        cfg.Projection,
		tasks:             cfg.Tasks,
		client:            cfg.HTTPClient,
		fetchTimeout:      cfg.FetchTimeout,
		projectionTimeout: cfg.ProjectionTimeout,
		maxBytes:          cfg.MaxArtifactBytes,
		log:               cfg.Logger.With().Str("component", "artifact").Logger(),
		now:               cfg.Now,
		newID:             cfg.NewID,
	}
	if p.client == nil {
		p.client = &http.Client{}
	}
	if p.fetchTimeout <= 0 {
		p.fetchTimeout = time.Minute
	}
	if p.projectionTimeout <= 0 {
		p.projectionTimeout = defaultProjectionTimeout
	}
	if p.maxBytes <= 0 {
		p.maxBytes = defaultMaxArtifactBytes
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	return p
}

// Process materializes every item of one delivery and confirms the outputs in
// item order. Per-item failures become error outputs; the request itself is
// never failed here. Projection writes start only after the confirm returns.
func (p *Pipeline) Process(ctx context.Context, requestID string, meta domain.RequestMeta, items []domain.PendingItem) {
	logger := p.log.With().Str("request_id", requestID).Str("provider", meta.Provider).Logger()

	outputs := make([]domain.Output, len(items))
	stored := make([]*domain.Artifact, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item domain.PendingItem) {
			defer wg.Done()
			outputs[i], stored[i] = p.materialize(ctx, requestID, item)
		}(i, item)
	}
	wg.Wait()

	res, err := p.actor.ConfirmOutputs(ctx, requestID, outputs)
	if err != nil {
		logger.Error().Err(err).Int("outputs", len(outputs)).Msg("confirm outputs failed")
		// Stored blobs are still mirrored; completion is not.
		res = actor.ConfirmResult{}
	} else {
		logger.Info().Int("outputs", len(outputs)).Bool("complete", res.Complete).Msg("outputs confirmed")
	}
	p.project(ctx, requestID, outputs, stored, res)
}

func (p *Pipeline) project(ctx context.Context, requestID string, outputs []domain.Output, stored []*domain.Artifact, res actor.ConfirmResult) {
	if p.projection == nil {
		return
	}
	run := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, p.projectionTimeout)
		defer cancel()
		for i, art := range stored {
			if art != nil {
				p.projection.RecordArtifact(ctx, requestID, *art, outputs[i].Timestamp)
			}
		}
		if res.Complete && res.CompletedAt != nil {
			p.projection.RecordCompletion(ctx, requestID, *res.CompletedAt, nil)
		}
	}
	if p.tasks == nil {
		run(ctx)
		return
	}
	p.tasks.Go("project-artifacts", run)
}

func (p *Pipeline) materialize(ctx context.Context, requestID string, item domain.PendingItem) (domain.Output, *domain.Artifact) {
	raw, _ := json.Marshal(item)
	index := item.Index

	if item.Error != nil {
		return domain.FailureOutput(domain.OutputFailure{
			Kind:    domain.OutputErrorProviderReport,
			Code:    item.Error.Code,
			Message: item.Error.Message,
			Index:   &index,
		}, raw, p.now()), nil
	}

	data, headerType, failure := p.fetch(ctx, item.URL)
	if failure != nil {
		failure.Index = &index
		return domain.FailureOutput(*failure, raw, p.now()), nil
	}

	contentType := item.ContentType
	if contentType == "" {
		contentType = headerType
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	contentType = baseMediaType(contentType)

	artifactID := p.newID()
	key := storage.ArtifactKey(requestID, artifactID, contentType)
	if err := p.store.Put(ctx, key, data, contentType); err != nil {
		p.log.Warn().Err(err).Str("request_id", requestID).Str("key", key).Msg("artifact store failed")
		return domain.FailureOutput(domain.OutputFailure{
			Kind:    domain.OutputErrorStorage,
			Message: "failed to store artifact",
			Index:   &index,
			Key:     key,
			Cause:   err.Error(),
		}, raw, p.now()), nil
	}

	art := domain.Artifact{
		ArtifactID:  artifactID,
		Key:         key,
		ContentType: contentType,
		Index:       index,
		Seed:        item.Seed,
		Cost:        item.Cost,
		Metadata:    item.Metadata,
	}
	return domain.SuccessOutput(art, raw, p.now()), &art
}

func (p *Pipeline) fetch(ctx context.Context, url string) ([]byte, string, *domain.OutputFailure) {
	fail := func(status int, body []byte, err error) *domain.OutputFailure {
		f := &domain.OutputFailure{
			Kind:   domain.OutputErrorFetch,
			URL:    url,
			Status: status,
			Body:   dispatch.Truncate(body),
		}
		if err != nil {
			f.Message = err.Error()
		} else {
			f.Message = fmt.Sprintf("download returned status %d", status)
		}
		return f
	}

	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fail(0, nil, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fail(0, nil, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, "", fail(resp.StatusCode, nil, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fail(resp.StatusCode, body, nil)
	}
	if int64(len(body)) > p.maxBytes {
		return nil, "", fail(resp.StatusCode, nil, fmt.Errorf("artifact too large: exceeds %d bytes", p.maxBytes))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func baseMediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

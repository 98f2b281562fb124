// Package dispatch submits generation jobs to providers and initializes the
// request actor with the outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"mediagen/internal/domain"
	"mediagen/internal/infra"
)

const maxCount = 16

// Submission is what a provider needs to build its task payload.
type Submission struct {
	RequestID    string
	Model        string
	Input        json.RawMessage
	OutputFormat string
	Count        int
	Width        int
	Height       int
	CallbackURL  string
}

// Provider submits one job. sent is the exact payload that was posted, even
// when the call failed. Failures should be *Error; anything else is recorded
// as an http_error.
type Provider interface {
	Name() string
	Submit(ctx context.Context, s Submission) (sent json.RawMessage, err error)
}

// Actor is the part of the request registry the dispatcher drives.
type Actor interface {
	Init(ctx context.Context, args domain.InitArgs) error
	GetState(ctx context.Context, id string) (*domain.RequestState, error)
}

// Recorder mirrors a new request into the projection.
type Recorder interface {
	RecordGeneration(ctx context.Context, meta domain.RequestMeta)
}

// Spawner runs detached work that must outlive the HTTP request.
type Spawner interface {
	Go(name string, fn func(ctx context.Context))
}

// Request is a validated client submission.
type Request struct {
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Input        json.RawMessage `json:"input"`
	OutputFormat string          `json:"outputFormat"`
	Count        int             `json:"count"`
	Orientation  string          `json:"orientation"`
	Width        int             `json:"width"`
	Height       int             `json:"height"`
	Annotations  map[string]any  `json:"annotations"`
}

// Config wires a Dispatcher.
type Config struct {
	Providers    []Provider
	Actor        Actor
	Projection   Recorder
	Tasks        Spawner
	Resolver     DimensionResolver
	Limiter      *rate.Limiter
	CallbackBase string
	Logger       infra.Logger
	NewID        func() string
}

type Dispatcher struct {
	providers    map[string]Provider
	actor        Actor
	projection   Recorder
	tasks        Spawner
	resolver     DimensionResolver
	limiter      *rate.Limiter
	callbackBase string
	log          infra.Logger
	newID        func() string
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Actor == nil {
		return nil, errors.New("dispatch: actor is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, errors.New("dispatch: at least one provider is required")
	}
	d := &Dispatcher{
		providers:    make(map[string]Provider, len(cfg.Providers)),
		actor:        cfg.Actor,
		projection:   cfg.Projection,
		tasks:        cfg.Tasks,
		resolver:     cfg.Resolver,
		limiter:      cfg.Limiter,
		callbackBase: strings.TrimRight(cfg.CallbackBase, "/"),
		log:          cfg.Logger.With().Str("component", "dispatch").Logger(),
		newID:        cfg.NewID,
	}
	for _, p := range cfg.Providers {
		d.providers[p.Name()] = p
	}
	if d.resolver == nil {
		d.resolver = DefaultResolver()
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	return d, nil
}

// CallbackURL is the webhook address handed to the provider for id.
func (d *Dispatcher) CallbackURL(provider, id string) string {
	return fmt.Sprintf("%s/v1/webhooks/%s?request_id=%s", d.callbackBase, url.PathEscape(provider), url.QueryEscape(id))
}

// Dispatch submits req and initializes the request exactly once with the
// outcome. A synchronous provider failure is returned as *Error after the
// failed request has been recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	provider, err := d.validate(&req)
	if err != nil {
		return "", err
	}
	sub := Submission{
		RequestID:    d.newID(),
		Model:        req.Model,
		Input:        req.Input,
		OutputFormat: req.OutputFormat,
		Count:        req.Count,
		Width:        req.Width,
		Height:       req.Height,
	}
	sub.CallbackURL = d.CallbackURL(provider.Name(), sub.RequestID)
	if sub.Width == 0 || sub.Height == 0 {
		w, h, err := d.resolver.Resolve(ctx, req.Model, req.Orientation)
		if err != nil {
			return "", fmt.Errorf("dispatch: resolve dimensions: %w", err)
		}
		sub.Width, sub.Height = w, h
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("dispatch: rate limit: %w", err)
		}
	}

	logger := d.log.With().Str("request_id", sub.RequestID).Str("provider", provider.Name()).Logger()
	started := time.Now()
	sent, submitErr := provider.Submit(ctx, sub)
	args := domain.InitArgs{
		ID:            sub.RequestID,
		Provider:      provider.Name(),
		Model:         req.Model,
		Input:         sent,
		OutputFormat:  req.OutputFormat,
		ExpectedCount: req.Count,
		Annotations:   req.Annotations,
	}
	var failure *Error
	if submitErr != nil {
		if !errors.As(submitErr, &failure) {
			failure = HTTPFailure("", 0, nil, submitErr)
		}
		detail := failure.Detail
		args.Error = &detail
	}

	if err := d.actor.Init(ctx, args); err != nil {
		logger.Error().Err(err).Msg("init after submission failed")
		return "", fmt.Errorf("dispatch: init %s: %w", sub.RequestID, err)
	}
	d.project(sub.RequestID)

	if failure != nil {
		logger.Warn().Str("code", string(failure.Detail.Code)).Int("status", failure.Detail.Status).
			Dur("elapsed", time.Since(started)).Msg("submission failed")
		return sub.RequestID, failure
	}
	logger.Info().Int("count", req.Count).Dur("elapsed", time.Since(started)).Msg("submission accepted")
	return sub.RequestID, nil
}

func (d *Dispatcher) validate(req *Request) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(req.Provider))
	provider, ok := d.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, req.Provider)
	}
	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" {
		return nil, fmt.Errorf("%w: model is required", domain.ErrInvalidInput)
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 0 || req.Count > maxCount {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", domain.ErrInvalidInput, maxCount)
	}
	if len(req.Input) == 0 {
		req.Input = json.RawMessage(`{}`)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(req.Input, &fields); err != nil {
		return nil, fmt.Errorf("%w: input must be a JSON object", domain.ErrInvalidInput)
	}
	if req.Width < 0 || req.Height < 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", domain.ErrInvalidInput)
	}
	return provider, nil
}

func (d *Dispatcher) project(id string) {
	if d.projection == nil {
		return
	}
	run := func(ctx context.Context) {
		state, err := d.actor.GetState(ctx, id)
		if err != nil || state == nil {
			d.log.Error().Err(err).Str("request_id", id).Msg("projection skipped: state unavailable")
			return
		}
		d.projection.RecordGeneration(ctx, state.Meta)
	}
	if d.tasks == nil {
		run(context.Background())
		return
	}
	d.tasks.Go("project-generation", run)
}

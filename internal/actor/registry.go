// Package actor serializes every mutation of a generation request through a
// single owner goroutine and persists each change before acknowledging it.
package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mediagen/internal/actor/statestore"
	"mediagen/internal/canonical"
	"mediagen/internal/domain"
	"mediagen/internal/infra"
)

const (
	defaultPartitions = 16
	defaultWindow     = 5 * time.Minute
	mailboxSize       = 64

	scheduleAttempts   = 3
	scheduleRetryDelay = 50 * time.Millisecond
)

// Scheduler arms a one-shot alarm that later calls FireTimeout for id.
type Scheduler interface {
	ScheduleOnce(ctx context.Context, id string, at time.Time) error
}

// Config wires a Registry.
type Config struct {
	Backend    statestore.Backend
	Scheduler  Scheduler
	Validator  *canonical.Validator
	Logger     infra.Logger
	Partitions int
	Window     time.Duration
	Now        func() time.Time
	// OnTimeout receives a snapshot after a timeout marks a request complete.
	OnTimeout func(ctx context.Context, state *domain.RequestState)
}

// WebhookResult is what RecordWebhook hands back to the receiver.
type WebhookResult struct {
	Items []domain.PendingItem
	Meta  domain.RequestMeta
}

// ConfirmResult reports completion after ConfirmOutputs.
type ConfirmResult struct {
	Complete    bool
	CompletedAt *time.Time
}

// Registry routes each request id to one partition goroutine.
type Registry struct {
	partitions []*partition
	backend    statestore.Backend
	scheduler  Scheduler
	validator  *canonical.Validator
	log        zerolog.Logger
	window     time.Duration
	now        func() time.Time
	onTimeout  func(ctx context.Context, state *domain.RequestState)

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type command struct {
	ctx  context.Context
	run  func(ctx context.Context, p *partition) error
	done chan error
}

type partition struct {
	mailbox chan command
	// cache holds active requests only; completed ones reload from the backend.
	cache   map[string]*domain.RequestState
	backend statestore.Backend
}

// NewRegistry starts the partition goroutines.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Backend == nil {
		return nil, errors.New("actor: state backend is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("actor: scheduler is required")
	}
	if cfg.Validator == nil {
		v, err := canonical.NewValidator()
		if err != nil {
			return nil, err
		}
		cfg.Validator = v
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = defaultPartitions
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	r := &Registry{
		partitions: make([]*partition, cfg.Partitions),
		backend:    cfg.Backend,
		scheduler:  cfg.Scheduler,
		validator:  cfg.Validator,
		log:        cfg.Logger.With().Str("component", "actor").Logger(),
		window:     cfg.Window,
		now:        cfg.Now,
		onTimeout:  cfg.OnTimeout,
		quit:       make(chan struct{}),
	}
	for i := range r.partitions {
		p := &partition{
			mailbox: make(chan command, mailboxSize),
			cache:   make(map[string]*domain.RequestState),
			backend: cfg.Backend,
		}
		r.partitions[i] = p
		r.wg.Add(1)
		go r.loop(p)
	}
	return r, nil
}

func (r *Registry) loop(p *partition) {
	defer r.wg.Done()
	for {
		select {
		case cmd := <-p.mailbox:
			cmd.done <- cmd.run(cmd.ctx, p)
		case <-r.quit:
			return
		}
	}
}

func (r *Registry) partitionFor(id string) *partition {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.partitions[h.Sum32()%uint32(len(r.partitions))]
}

// do runs fn on the owner goroutine of id and waits for its result.
func (r *Registry) do(ctx context.Context, id string, fn func(ctx context.Context, p *partition) error) error {
	cmd := command{ctx: ctx, run: fn, done: make(chan error, 1)}
	p := r.partitionFor(id)
	select {
	case <-r.quit:
		return domain.ErrActorClosed
	default:
	}
	select {
	case p.mailbox <- cmd:
	case <-r.quit:
		return domain.ErrActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-r.quit:
		return domain.ErrActorClosed
	}
}

func (p *partition) load(ctx context.Context, id string) (*domain.RequestState, error) {
	if state, ok := p.cache[id]; ok {
		return state, nil
	}
	state, err := p.backend.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("actor: load %s: %w", id, err)
	}
	p.remember(state)
	return state, nil
}

// commit persists next and only then makes it the cached state.
func (p *partition) commit(ctx context.Context, next *domain.RequestState) error {
	if err := p.backend.Save(ctx, next); err != nil {
		return fmt.Errorf("actor: save %s: %w", next.Meta.ID, err)
	}
	delete(p.cache, next.Meta.ID)
	p.remember(next)
	return nil
}

func (p *partition) remember(state *domain.RequestState) {
	if state == nil || state.Meta.Completed() {
		return
	}
	p.cache[state.Meta.ID] = state
}

// mutate loads id, applies fn to a copy and commits the copy when fn reports a change.
func (p *partition) mutate(ctx context.Context, id string, fn func(state *domain.RequestState) bool) (*domain.RequestState, error) {
	current, err := p.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrNotInitialized
	}
	next := current.Clone()
	if !fn(next) {
		return current, nil
	}
	if err := p.commit(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Init creates or overwrites the state for args.ID. A clean request gets a
// timeout alarm; one created with an error is terminal at once. The state is
// durable once committed, so a scheduler that keeps failing is logged and left
// to Recover instead of failing the call.
func (r *Registry) Init(ctx context.Context, args domain.InitArgs) error {
	if err := validateInit(args); err != nil {
		return err
	}
	var deadline *time.Time
	err := r.do(ctx, args.ID, func(ctx context.Context, p *partition) error {
		state := newState(args, r.now(), r.window)
		if err := p.commit(ctx, state); err != nil {
			return err
		}
		deadline = state.Meta.TimeoutAt
		return nil
	})
	if err != nil {
		return err
	}
	if deadline == nil {
		r.log.Info().Str("request_id", args.ID).Msg("request initialized terminal")
		return nil
	}
	if err := r.schedule(ctx, args.ID, *deadline); err != nil {
		r.log.Error().Err(err).Str("request_id", args.ID).Time("timeout_at", *deadline).
			Msg("timeout alarm not armed; recover on restart re-arms it")
		return nil
	}
	r.log.Info().Str("request_id", args.ID).Time("timeout_at", *deadline).Msg("request initialized")
	return nil
}

func (r *Registry) schedule(ctx context.Context, id string, at time.Time) error {
	var err error
	for attempt := 1; attempt <= scheduleAttempts; attempt++ {
		if err = r.scheduler.ScheduleOnce(ctx, id, at); err == nil {
			return nil
		}
		if attempt == scheduleAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * scheduleRetryDelay):
		}
	}
	return fmt.Errorf("actor: schedule timeout for %s: %w", id, err)
}

// RecordWebhook validates a canonical body. Invalid bodies and provider error
// reports are appended as outputs; a success body yields pending items and
// leaves the state untouched.
func (r *Registry) RecordWebhook(ctx context.Context, id string, raw json.RawMessage) (WebhookResult, error) {
	var result WebhookResult
	err := r.do(ctx, id, func(ctx context.Context, p *partition) error {
		var items []domain.PendingItem
		state, err := p.mutate(ctx, id, func(state *domain.RequestState) bool {
			var mutated bool
			items, mutated = applyWebhook(state, r.validator, raw, r.now())
			return mutated
		})
		if err != nil {
			return err
		}
		result.Items = items
		result.Meta = state.Clone().Meta
		return nil
	})
	if err != nil {
		return WebhookResult{}, err
	}
	return result, nil
}

// ConfirmOutputs appends pipeline results in order and reports completion.
func (r *Registry) ConfirmOutputs(ctx context.Context, id string, outputs []domain.Output) (ConfirmResult, error) {
	var result ConfirmResult
	err := r.do(ctx, id, func(ctx context.Context, p *partition) error {
		state, err := p.mutate(ctx, id, func(state *domain.RequestState) bool {
			state.Outputs = append(state.Outputs, outputs...)
			markCompleteIfDue(state, r.now())
			return len(outputs) > 0
		})
		if err != nil {
			return err
		}
		result.Complete = state.Meta.Completed()
		if state.Meta.CompletedAt != nil {
			at := *state.Meta.CompletedAt
			result.CompletedAt = &at
		}
		return nil
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	if result.Complete {
		r.log.Debug().Str("request_id", id).Int("appended", len(outputs)).Msg("request complete")
	}
	return result, nil
}

// SetError overwrites the request-level error without touching outputs or completion.
func (r *Registry) SetError(ctx context.Context, id string, reqErr *domain.RequestError) error {
	return r.do(ctx, id, func(ctx context.Context, p *partition) error {
		_, err := p.mutate(ctx, id, func(state *domain.RequestState) bool {
			state.Meta.Error = reqErr
			return true
		})
		return err
	})
}

// SetErrorIfUnset records reqErr only when the request carries no error yet,
// so an earlier terminal error keeps its shape. It reports whether it wrote.
func (r *Registry) SetErrorIfUnset(ctx context.Context, id string, reqErr *domain.RequestError) (bool, error) {
	var written bool
	err := r.do(ctx, id, func(ctx context.Context, p *partition) error {
		_, err := p.mutate(ctx, id, func(state *domain.RequestState) bool {
			if state.Meta.Error != nil {
				return false
			}
			state.Meta.Error = reqErr
			written = true
			return true
		})
		return err
	})
	return written, err
}

// GetState returns a snapshot, or nil when id was never initialized.
func (r *Registry) GetState(ctx context.Context, id string) (*domain.RequestState, error) {
	var snapshot *domain.RequestState
	err := r.do(ctx, id, func(ctx context.Context, p *partition) error {
		state, err := p.load(ctx, id)
		if err != nil {
			return err
		}
		snapshot = state.Clone()
		return nil
	})
	return snapshot, err
}

// FireTimeout is the alarm callback. at identifies the deadline that was
// scheduled; a firing for an older deadline is a no-op.
func (r *Registry) FireTimeout(ctx context.Context, id string, at time.Time) error {
	var fired *domain.RequestState
	err := r.do(ctx, id, func(ctx context.Context, p *partition) error {
		current, err := p.load(ctx, id)
		if err != nil || current == nil {
			return err
		}
		next := current.Clone()
		if !applyTimeout(next, at, r.now()) {
			return nil
		}
		if err := p.commit(ctx, next); err != nil {
			return err
		}
		fired = next.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	if fired == nil {
		r.log.Debug().Str("request_id", id).Msg("timeout ignored")
		return nil
	}
	r.log.Warn().Str("request_id", id).
		Int("received", len(fired.Outputs)).
		Int("expected", fired.Meta.ExpectedCount).
		Msg("request timed out")
	if r.onTimeout != nil {
		r.onTimeout(ctx, fired)
	}
	return nil
}

// Recover re-arms alarms for every active request found in the backend.
// Deadlines already in the past are handed to the scheduler unchanged.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	states, err := r.backend.List(ctx, statestore.Filter{ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("actor: list active requests: %w", err)
	}
	armed := 0
	for _, state := range states {
		if state.Meta.TimeoutAt == nil {
			continue
		}
		if err := r.scheduler.ScheduleOnce(ctx, state.Meta.ID, *state.Meta.TimeoutAt); err != nil {
			return armed, fmt.Errorf("actor: re-arm %s: %w", state.Meta.ID, err)
		}
		armed++
	}
	r.log.Info().Int("armed", armed).Msg("active requests recovered")
	return armed, nil
}

// Close stops the partitions. Pending calls return ErrActorClosed.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.quit)
		r.wg.Wait()
	})
}

package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mediagen/internal/actor/statestore"
	"mediagen/internal/domain"
)

type scheduled struct {
	id string
	at time.Time
}

type manualScheduler struct {
	mu       sync.Mutex
	calls    []scheduled
	attempts int
	err      error
}

func (s *manualScheduler) ScheduleOnce(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, scheduled{id: id, at: at})
	return nil
}

func (s *manualScheduler) forID(id string) []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scheduled
	for _, c := range s.calls {
		if c.id == id {
			out = append(out, c)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingBackend struct {
	statestore.Backend
	failSave bool
}

func (f *failingBackend) Save(ctx context.Context, state *domain.RequestState) error {
	if f.failSave {
		return errors.New("disk full")
	}
	return f.Backend.Save(ctx, state)
}

type countingBackend struct {
	statestore.Backend
	mu    sync.Mutex
	loads int
}

func (c *countingBackend) Load(ctx context.Context, id string) (*domain.RequestState, error) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
	return c.Backend.Load(ctx, id)
}

func (c *countingBackend) loadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

type harness struct {
	reg     *Registry
	sched   *manualScheduler
	clock   *clock
	backend statestore.Backend
	timeout []*domain.RequestState
}

func newHarness(t *testing.T, backend statestore.Backend) *harness {
	t.Helper()
	if backend == nil {
		backend = statestore.NewMemory()
	}
	h := &harness{
		sched:   &manualScheduler{},
		clock:   &clock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
		backend: backend,
	}
	reg, err := NewRegistry(Config{
		Backend:    backend,
		Scheduler:  h.sched,
		Logger:     zerolog.Nop(),
		Partitions: 4,
		Window:     5 * time.Minute,
		Now:        h.clock.Now,
		OnTimeout: func(_ context.Context, state *domain.RequestState) {
			h.timeout = append(h.timeout, state)
		},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)
	h.reg = reg
	return h
}

func (h *harness) init(t *testing.T, id string, expected int) {
	t.Helper()
	if err := h.reg.Init(context.Background(), domain.InitArgs{ID: id, Provider: "runware", Model: "runware:100@1", ExpectedCount: expected}); err != nil {
		t.Fatalf("init %s: %v", id, err)
	}
}

func (h *harness) state(t *testing.T, id string) *domain.RequestState {
	t.Helper()
	state, err := h.reg.GetState(context.Background(), id)
	if err != nil {
		t.Fatalf("get state %s: %v", id, err)
	}
	return state
}

func success(index int) domain.Output {
	return domain.SuccessOutput(domain.Artifact{
		ArtifactID:  fmt.Sprintf("art-%d", index),
		Key:         fmt.Sprintf("generations/req/art-%d.png", index),
		ContentType: "image/png",
		Index:       index,
	}, nil, time.Now())
}

func TestGetStateUnknownIsNil(t *testing.T) {
	h := newHarness(t, nil)
	if got := h.state(t, "never"); got != nil {
		t.Fatalf("expected nil state, got %#v", got)
	}
}

func TestInitArmsSingleTimer(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t, "req-1", 1)

	calls := h.sched.forID("req-1")
	if len(calls) != 1 {
		t.Fatalf("expected one alarm, got %d", len(calls))
	}
	want := h.clock.Now().Add(5 * time.Minute)
	if !calls[0].at.Equal(want) {
		t.Fatalf("alarm at %s, want %s", calls[0].at, want)
	}
	state := h.state(t, "req-1")
	if state.Meta.Completed() || len(state.Outputs) != 0 {
		t.Fatalf("fresh request should be active and empty: %#v", state)
	}
}

func TestInitRejectsInvalidArgs(t *testing.T) {
	h := newHarness(t, nil)
	cases := []domain.InitArgs{
		{ID: "", ExpectedCount: 1},
		{ID: "req", ExpectedCount: 0},
	}
	for _, args := range cases {
		if err := h.reg.Init(context.Background(), args); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("Init(%+v) err = %v, want ErrInvalidInput", args, err)
		}
	}
}

// A second init replaces the first request entirely, outputs included.
func TestInitTwiceOverwritesState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t, "req-dup", 2)
	if _, err := h.reg.ConfirmOutputs(ctx, "req-dup", []domain.Output{success(0)}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	h.clock.Advance(time.Minute)
	h.init(t, "req-dup", 3)

	state := h.state(t, "req-dup")
	if state.Meta.ExpectedCount != 3 {
		t.Fatalf("expected count = %d, want 3 after overwrite", state.Meta.ExpectedCount)
	}
	if len(state.Outputs) != 0 {
		t.Fatalf("outputs survived re-init: %d", len(state.Outputs))
	}
	if n := len(h.sched.forID("req-dup")); n != 2 {
		t.Fatalf("expected one alarm per init, got %d", n)
	}
}

func TestScenarioA_TwoSuccessesComplete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t, "req-a", 2)

	body := json.RawMessage(`{"items":[{"index":0,"url":"https://cdn/0.png"},{"index":1,"url":"https://cdn/1.png","seed":7}]}`)
	res, err := h.reg.RecordWebhook(ctx, "req-a", body)
	if err != nil {
		t.Fatalf("record webhook: %v", err)
	}
	if len(res.Items) != 2 || res.Items[1].Seed == nil || *res.Items[1].Seed != 7 {
		t.Fatalf("unexpected items: %#v", res.Items)
	}
	if got := h.state(t, "req-a"); len(got.Outputs) != 0 || got.Meta.Completed() {
		t.Fatalf("success body must not mutate state: %#v", got)
	}

	confirm, err := h.reg.ConfirmOutputs(ctx, "req-a", []domain.Output{success(0), success(1)})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !confirm.Complete || confirm.CompletedAt == nil {
		t.Fatalf("expected completion, got %#v", confirm)
	}
	state := h.state(t, "req-a")
	if !state.Meta.Completed() || len(state.Outputs) != 2 {
		t.Fatalf("unexpected final state: %#v", state)
	}
}

func TestScenarioB_TimeoutWithoutWebhook(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t, "req-b", 1)
	alarm := h.sched.forID("req-b")[0]

	h.clock.Advance(5 * time.Minute)
	if err := h.reg.FireTimeout(context.Background(), "req-b", alarm.at); err != nil {
		t.Fatalf("fire: %v", err)
	}
	state := h.state(t, "req-b")
	if state.Meta.Error == nil || state.Meta.Error.Code != domain.RequestErrorTimeout {
		t.Fatalf("expected timeout error, got %#v", state.Meta.Error)
	}
	if *state.Meta.Error.Received != 0 || *state.Meta.Error.Expected != 1 {
		t.Fatalf("unexpected counts: %#v", state.Meta.Error)
	}
	if !state.Meta.Completed() || len(state.Outputs) != 0 {
		t.Fatalf("unexpected state: %#v", state)
	}
	if len(h.timeout) != 1 {
		t.Fatalf("timeout hook calls = %d, want 1", len(h.timeout))
	}
}

func TestScenarioC_InitWithError(t *testing.T) {
	h := newHarness(t, nil)
	created := h.clock.Now()
	err := h.reg.Init(context.Background(), domain.InitArgs{
		ID:            "req-c",
		ExpectedCount: 1,
		Error:         &domain.RequestError{Code: domain.RequestErrorHTTP, Status: 500, URL: "https://api"},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	state := h.state(t, "req-c")
	if state.Meta.CompletedAt == nil || !state.Meta.CompletedAt.Equal(created) {
		t.Fatalf("completedAt = %v, want %v", state.Meta.CompletedAt, created)
	}
	if len(state.Outputs) != 0 || state.Meta.TimeoutAt != nil {
		t.Fatalf("unexpected state: %#v", state)
	}
	if n := len(h.sched.forID("req-c")); n != 0 {
		t.Fatalf("terminal init armed %d alarms", n)
	}
}

func TestScenarioD_MixedItemsCompleteAtThreshold(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t, "req-d", 3)

	body := json.RawMessage(`{"items":[{"index":0,"url":"https://cdn/0.png"},{"index":1,"error":{"code":"nsfw","message":"blocked"}}]}`)
	res, err := h.reg.RecordWebhook(ctx, "req-d", body)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(res.Items) != 2 || res.Items[1].Error == nil {
		t.Fatalf("expected item error to be carried: %#v", res.Items)
	}
	failure := domain.FailureOutput(domain.OutputFailure{Kind: domain.OutputErrorProviderReport, Message: "blocked"}, nil, h.clock.Now())
	confirm, err := h.reg.ConfirmOutputs(ctx, "req-d", []domain.Output{success(0), failure})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirm.Complete {
		t.Fatalf("2 of 3 outputs must not complete")
	}
	confirm, err = h.reg.ConfirmOutputs(ctx, "req-d", []domain.Output{success(2)})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !confirm.Complete {
		t.Fatalf("3 of 3 outputs must complete")
	}
}

func TestRecordWebhookValidationAppendsOneOutput(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t, "req-v", 1)
	res, err := h.reg.RecordWebhook(context.Background(), "req-v", json.RawMessage(`{"items":[{"url":"x"}]}`))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(res.Items) != 0 {
		t.Fatalf("expected no items, got %d", len(res.Items))
	}
	state := h.state(t, "req-v")
	if len(state.Outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(state.Outputs))
	}
	out := state.Outputs[0]
	if out.Failure == nil || out.Failure.Kind != domain.OutputErrorValidation || len(out.Failure.Issues) == 0 {
		t.Fatalf("unexpected output: %#v", out)
	}
	if string(out.Raw) != `{"items":[{"url":"x"}]}` {
		t.Fatalf("raw payload not kept: %s", out.Raw)
	}
	if state.Meta.Completed() {
		t.Fatalf("validation output must not complete the request")
	}
}

func TestRecordWebhookProviderReportChecksCompletion(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t, "req-p", 1)
	res, err := h.reg.RecordWebhook(context.Background(), "req-p", json.RawMessage(`{"error":{"code":"quota","message":"out of credits"}}`))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(res.Items) != 0 {
		t.Fatalf("expected no items")
	}
	if !res.Meta.Completed() {
		t.Fatalf("returned meta should reflect completion")
	}
	state := h.state(t, "req-p")
	if len(state.Outputs) != 1 || state.Outputs[0].Failure.Kind != domain.OutputErrorProviderReport {
		t.Fatalf("unexpected outputs: %#v", state.Outputs)
	}
	if state.Outputs[0].Failure.Code != "quota" {
		t.Fatalf("code = %q", state.Outputs[0].Failure.Code)
	}
}

func TestRecordWebhookBeforeInit(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.reg.RecordWebhook(context.Background(), "ghost", json.RawMessage(`{"error":{"message":"x"}}`))
	if !errors.Is(err, domain.ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
	if _, err := h.reg.ConfirmOutputs(context.Background(), "ghost", nil); !errors.Is(err, domain.ErrNotInitialized) {
		t.Fatalf("confirm err = %v, want ErrNotInitialized", err)
	}
}

func TestCompletedAtSetOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t, "req-once", 1)
	if _, err := h.reg.ConfirmOutputs(ctx, "req-once", []domain.Output{success(0)}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	first := *h.state(t, "req-once").Meta.CompletedAt

	h.clock.Advance(time.Minute)
	// A duplicated delivery still appends past expectedCount.
	confirm, err := h.reg.ConfirmOutputs(ctx, "req-once", []domain.Output{success(0)})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	state := h.state(t, "req-once")
	if len(state.Outputs) != 2 {
		t.Fatalf("outputs = %d, want 2", len(state.Outputs))
	}
	if !state.Meta.CompletedAt.Equal(first) || !confirm.CompletedAt.Equal(first) {
		t.Fatalf("completedAt moved from %s to %s", first, state.Meta.CompletedAt)
	}

	alarm := h.sched.forID("req-once")[0]
	if err := h.reg.FireTimeout(ctx, "req-once", alarm.at); err != nil {
		t.Fatalf("fire: %v", err)
	}
	after := h.state(t, "req-once")
	if after.Meta.Error != nil || !after.Meta.CompletedAt.Equal(first) {
		t.Fatalf("timeout after completion changed state: %#v", after.Meta)
	}
	if len(h.timeout) != 0 {
		t.Fatalf("timeout hook fired on completed request")
	}
}

func TestStaleTimerIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t, "req-stale", 1)
	old := h.sched.forID("req-stale")[0].at
	h.clock.Advance(2 * time.Minute)
	h.init(t, "req-stale", 1)

	if err := h.reg.FireTimeout(ctx, "req-stale", old); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if h.state(t, "req-stale").Meta.Completed() {
		t.Fatalf("alarm from the first init fired against the second")
	}
	current := h.sched.forID("req-stale")[1].at
	if err := h.reg.FireTimeout(ctx, "req-stale", current); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if h.state(t, "req-stale").Meta.Error == nil {
		t.Fatalf("current alarm did not time out the request")
	}
}

func TestSetErrorKeepsOutputsAndCompletion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.init(t, "req-e", 2)
	if _, err := h.reg.ConfirmOutputs(ctx, "req-e", []domain.Output{success(0)}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	err := h.reg.SetError(ctx, "req-e", &domain.RequestError{Code: domain.RequestErrorProjectionFailed, Message: "pg down"})
	if err != nil {
		t.Fatalf("set error: %v", err)
	}
	state := h.state(t, "req-e")
	if state.Meta.Error == nil || state.Meta.Error.Code != domain.RequestErrorProjectionFailed {
		t.Fatalf("error not recorded: %#v", state.Meta.Error)
	}
	if len(state.Outputs) != 1 || state.Meta.Completed() {
		t.Fatalf("set error must not touch outputs or completion: %#v", state)
	}
}

func TestFailedSaveLeavesCacheUntouched(t *testing.T) {
	backend := &failingBackend{Backend: statestore.NewMemory()}
	h := newHarness(t, backend)
	ctx := context.Background()
	h.init(t, "req-f", 1)

	backend.failSave = true
	if _, err := h.reg.ConfirmOutputs(ctx, "req-f", []domain.Output{success(0)}); err == nil {
		t.Fatalf("expected save error")
	}
	backend.failSave = false
	state := h.state(t, "req-f")
	if len(state.Outputs) != 0 || state.Meta.Completed() {
		t.Fatalf("failed save leaked into state: %#v", state)
	}
}

func TestStateSurvivesRestartAndRecoverRearms(t *testing.T) {
	backend := statestore.NewMemory()
	first := newHarness(t, backend)
	first.init(t, "req-live", 1)
	first.init(t, "req-done", 1)
	if _, err := first.reg.ConfirmOutputs(context.Background(), "req-done", []domain.Output{success(0)}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	deadline := first.sched.forID("req-live")[0].at
	first.reg.Close()

	second := newHarness(t, backend)
	armed, err := second.reg.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if armed != 1 {
		t.Fatalf("armed = %d, want 1", armed)
	}
	calls := second.sched.forID("req-live")
	if len(calls) != 1 || !calls[0].at.Equal(deadline) {
		t.Fatalf("recovered alarm mismatch: %#v", calls)
	}
	if got := second.state(t, "req-done"); got == nil || !got.Meta.Completed() {
		t.Fatalf("completed request lost across restart: %#v", got)
	}
}

func TestClosedRegistryRejectsCalls(t *testing.T) {
	h := newHarness(t, nil)
	h.reg.Close()
	if _, err := h.reg.GetState(context.Background(), "x"); !errors.Is(err, domain.ErrActorClosed) {
		t.Fatalf("err = %v, want ErrActorClosed", err)
	}
}

func TestConcurrentConfirmsCompleteOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	const n = 20
	h.init(t, "req-race", n)
	alarm := h.sched.forID("req-race")[0]

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.reg.ConfirmOutputs(ctx, "req-race", []domain.Output{success(i)}); err != nil {
				t.Errorf("confirm %d: %v", i, err)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := h.reg.FireTimeout(ctx, "req-race", alarm.at); err != nil {
			t.Errorf("fire: %v", err)
		}
	}()
	wg.Wait()

	state := h.state(t, "req-race")
	if len(state.Outputs) != n || !state.Meta.Completed() {
		t.Fatalf("unexpected final state: outputs=%d completed=%v", len(state.Outputs), state.Meta.Completed())
	}
	timedOut := state.Meta.Error != nil
	if timedOut != (len(h.timeout) == 1) {
		t.Fatalf("timeout hook and state disagree")
	}
}

func TestCompletedRequestReloadsFromBackend(t *testing.T) {
	backend := &countingBackend{Backend: statestore.NewMemory()}
	h := newHarness(t, backend)
	ctx := context.Background()
	h.init(t, "req-evict", 1)

	_ = h.state(t, "req-evict")
	if got := backend.loadCount(); got != 0 {
		t.Fatalf("active request loaded %d times, want served from cache", got)
	}

	if _, err := h.reg.ConfirmOutputs(ctx, "req-evict", []domain.Output{success(0)}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	for _, p := range h.reg.partitions {
		if _, ok := p.cache["req-evict"]; ok {
			t.Fatalf("completed request still cached")
		}
	}

	state := h.state(t, "req-evict")
	if state == nil || !state.Meta.Completed() || len(state.Outputs) != 1 {
		t.Fatalf("reloaded state mismatch: %#v", state)
	}
	if got := backend.loadCount(); got != 1 {
		t.Fatalf("backend loads = %d, want 1", got)
	}

	// A late confirm still appends to the reloaded state.
	if _, err := h.reg.ConfirmOutputs(ctx, "req-evict", []domain.Output{success(1)}); err != nil {
		t.Fatalf("late confirm: %v", err)
	}
	if got := h.state(t, "req-evict"); len(got.Outputs) != 2 {
		t.Fatalf("late output lost: %d outputs", len(got.Outputs))
	}
}

func TestInitSurvivesSchedulerFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.sched.err = errors.New("temporal unavailable")

	if err := h.reg.Init(context.Background(), domain.InitArgs{ID: "req-nosched", Provider: "runware", Model: "m", ExpectedCount: 1}); err != nil {
		t.Fatalf("init must succeed once state is durable: %v", err)
	}
	if h.sched.attempts != scheduleAttempts {
		t.Fatalf("schedule attempts = %d, want %d", h.sched.attempts, scheduleAttempts)
	}
	state, err := h.backend.Load(context.Background(), "req-nosched")
	if err != nil || state == nil || state.Meta.TimeoutAt == nil {
		t.Fatalf("state not persisted with deadline: %#v %v", state, err)
	}

	h.sched.err = nil
	armed, err := h.reg.Recover(context.Background())
	if err != nil || armed != 1 {
		t.Fatalf("recover armed=%d err=%v", armed, err)
	}
	if calls := h.sched.forID("req-nosched"); len(calls) != 1 || !calls[0].at.Equal(*state.Meta.TimeoutAt) {
		t.Fatalf("recover did not re-arm the missed alarm: %#v", calls)
	}
}

func TestSetErrorIfUnsetKeepsTerminalError(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	projectionErr := &domain.RequestError{Code: domain.RequestErrorProjectionFailed, Message: "insert failed"}

	h.init(t, "req-timeout", 2)
	alarm := h.sched.forID("req-timeout")[0]
	if err := h.reg.FireTimeout(ctx, "req-timeout", alarm.at); err != nil {
		t.Fatalf("fire: %v", err)
	}
	written, err := h.reg.SetErrorIfUnset(ctx, "req-timeout", projectionErr)
	if err != nil || written {
		t.Fatalf("written=%v err=%v, want untouched timeout", written, err)
	}
	if got := h.state(t, "req-timeout").Meta.Error; got == nil || got.Code != domain.RequestErrorTimeout {
		t.Fatalf("timeout error replaced: %#v", got)
	}

	h.init(t, "req-clean", 1)
	written, err = h.reg.SetErrorIfUnset(ctx, "req-clean", projectionErr)
	if err != nil || !written {
		t.Fatalf("written=%v err=%v, want projection error recorded", written, err)
	}
	if got := h.state(t, "req-clean").Meta.Error; got == nil || got.Code != domain.RequestErrorProjectionFailed {
		t.Fatalf("projection error missing: %#v", got)
	}
}

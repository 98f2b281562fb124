package actor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mediagen/internal/canonical"
	"mediagen/internal/domain"
)

// newState builds the initial snapshot for init. A request created with an
// error is terminal immediately and carries no deadline.
func newState(args domain.InitArgs, now time.Time, window time.Duration) *domain.RequestState {
	state := &domain.RequestState{
		Meta: domain.RequestMeta{
			ID:            args.ID,
			Provider:      args.Provider,
			Model:         args.Model,
			Input:         args.Input,
			OutputFormat:  args.OutputFormat,
			ExpectedCount: args.ExpectedCount,
			Annotations:   args.Annotations,
			Error:         args.Error,
			CreatedAt:     now,
		},
		Outputs: []domain.Output{},
	}
	if args.Error != nil {
		at := now
		state.Meta.CompletedAt = &at
		return state
	}
	deadline := now.Add(window).Truncate(time.Millisecond)
	state.Meta.TimeoutAt = &deadline
	return state
}

func validateInit(args domain.InitArgs) error {
	if strings.TrimSpace(args.ID) == "" {
		return fmt.Errorf("%w: request id is required", domain.ErrInvalidInput)
	}
	if args.ExpectedCount < 1 {
		return fmt.Errorf("%w: expected count must be positive", domain.ErrInvalidInput)
	}
	return nil
}

// markCompleteIfDue sets completedAt the first time the output threshold is met.
func markCompleteIfDue(state *domain.RequestState, now time.Time) bool {
	if state.Meta.Completed() || len(state.Outputs) < state.Meta.ExpectedCount {
		return false
	}
	at := now
	state.Meta.CompletedAt = &at
	return true
}

// applyWebhook classifies a canonical body. It mutates state only for the
// validation and provider-report branches; mutated reports whether a save is needed.
func applyWebhook(state *domain.RequestState, v *canonical.Validator, raw json.RawMessage, now time.Time) (items []domain.PendingItem, mutated bool) {
	payload, issues := v.Decode(raw)
	if len(issues) > 0 {
		state.Outputs = append(state.Outputs, domain.FailureOutput(domain.OutputFailure{
			Kind:    domain.OutputErrorValidation,
			Message: "webhook payload does not match the expected shape",
			Issues:  issues,
		}, raw, now))
		return nil, true
	}
	if payload.Error != nil {
		state.Outputs = append(state.Outputs, domain.FailureOutput(domain.OutputFailure{
			Kind:    domain.OutputErrorProviderReport,
			Code:    payload.Error.Code,
			Message: payload.Error.Message,
		}, raw, now))
		markCompleteIfDue(state, now)
		return nil, true
	}
	return payload.PendingItems(), false
}

// applyTimeout converts an expired active request into a timeout failure.
// Firings for a superseded deadline are ignored.
func applyTimeout(state *domain.RequestState, at, now time.Time) bool {
	if state.Meta.Completed() || state.Meta.TimeoutAt == nil {
		return false
	}
	if state.Meta.TimeoutAt.UnixMilli() != at.UnixMilli() {
		return false
	}
	state.Meta.Error = domain.TimeoutError(len(state.Outputs), state.Meta.ExpectedCount)
	completed := now
	state.Meta.CompletedAt = &completed
	return true
}

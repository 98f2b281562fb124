package infra

import (
	"context"
	"sync"
)

// Tasks runs background work that must outlive the HTTP request that started
// it. Every task shares one base context that is only cancelled by Cancel, so
// a client disconnect never aborts an in-flight pipeline.
type Tasks struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	log    Logger
}

func NewTasks(log Logger) *Tasks {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tasks{ctx: ctx, cancel: cancel, log: log.With().Str("component", "tasks").Logger()}
}

// Go starts fn in its own goroutine. A panic inside fn is logged and swallowed.
func (t *Tasks) Go(name string, fn func(ctx context.Context)) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				t.log.Error().Str("task", name).Interface("panic", rec).Msg("background task panicked")
			}
		}()
		fn(t.ctx)
	}()
}

// Wait blocks until every task has returned or ctx is done. On ctx expiry the
// shared context is cancelled so stragglers can abandon their work.
func (t *Tasks) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.cancel()
		return ctx.Err()
	}
}

// Cancel aborts the shared context without waiting.
func (t *Tasks) Cancel() { t.cancel() }

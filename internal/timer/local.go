// Package timer provides the one-shot alarms that time out generation requests.
package timer

import (
	"context"
	"sync"
	"time"

	"mediagen/internal/infra"
)

// Target receives alarm firings. at is the deadline that was scheduled.
type Target interface {
	FireTimeout(ctx context.Context, id string, at time.Time) error
}

// Local keeps one in-process timer per id. Alarms do not survive a restart;
// the registry re-arms them from persisted deadlines on startup.
type Local struct {
	log infra.Logger

	mu      sync.Mutex
	target  Target
	timers  map[string]*time.Timer
	stopped bool
}

func NewLocal(log infra.Logger) *Local {
	return &Local{log: log, timers: make(map[string]*time.Timer)}
}

// Bind sets the target after construction; the registry needs the scheduler
// before it exists.
func (l *Local) Bind(target Target) {
	l.mu.Lock()
	l.target = target
	l.mu.Unlock()
}

// ScheduleOnce replaces any pending alarm for id.
func (l *Local) ScheduleOnce(_ context.Context, id string, at time.Time) error {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil
	}
	if existing, ok := l.timers[id]; ok {
		existing.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() { l.fire(id, at, &t) })
	l.timers[id] = t
	return nil
}

func (l *Local) fire(id string, at time.Time, self **time.Timer) {
	l.mu.Lock()
	if current, ok := l.timers[id]; ok && current == *self {
		delete(l.timers, id)
	}
	target := l.target
	l.mu.Unlock()
	if target == nil {
		l.log.Error().Str("request_id", id).Msg("timer fired without a target")
		return
	}
	if err := target.FireTimeout(context.Background(), id, at); err != nil {
		l.log.Error().Err(err).Str("request_id", id).Msg("timeout handler failed")
	}
}

// Pending reports how many alarms are armed.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Stop cancels every pending alarm.
func (l *Local) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}

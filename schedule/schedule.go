// Package schedule runs cancellable periodic tasks whose wait can be cut short.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// IntervalFunc returns the wait before the next run. It is consulted after
// every run so callers can switch between slow and fast cadences.
type IntervalFunc func() time.Duration

// Fixed returns an IntervalFunc that always yields d.
func Fixed(d time.Duration) IntervalFunc { return func() time.Duration { return d } }

// Task invokes fn repeatedly, waiting interval() between runs. Trigger wakes
// the task immediately; triggers that arrive while fn runs collapse into one.
type Task struct {
	name     string
	interval IntervalFunc
	fn       func(ctx context.Context)

	trigger chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a task. It does nothing until Start is called.
func New(name string, interval IntervalFunc, fn func(ctx context.Context)) *Task {
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the loop. When immediate is true fn runs before the first wait.
// Starting a running task is a no-op.
func (t *Task) Start(ctx context.Context, immediate bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx, immediate, t.done)
}

// Trigger requests an immediate run. It never blocks.
func (t *Task) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for an in-flight run to return.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Task) loop(ctx context.Context, immediate bool, done chan struct{}) {
	defer close(done)
	if immediate {
		t.run(ctx)
	}
	for {
		wait := t.interval()
		if wait <= 0 {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.trigger:
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		t.run(ctx)
	}
}

func (t *Task) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduled task panicked", slog.String("task", t.name), slog.Any("panic", r))
		}
	}()
	t.fn(ctx)
}

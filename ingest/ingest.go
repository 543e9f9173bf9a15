// Package ingest holds what the per-platform chat adapters share: the adapter
// contract, the cross-adapter activity signal, the reconnect loop and a
// tracker of each adapter's last reported state.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/telemetry"
)

// Adapter ingests chat from one platform onto the bus.
type Adapter interface {
	Name() platform.Platform
	// Start connects and returns once the adapter's goroutines are running.
	Start(ctx context.Context) error
	// Stop disconnects and waits for the goroutines to exit.
	Stop()
}

// Publisher is where adapters send what they observe.
type Publisher interface {
	Publish(ev events.Event) bool
	PublishStatus(ev events.StatusEvent)
}

// Status publishes a state change for p.
func Status(pub Publisher, p platform.Platform, state events.StatusState, detail string) {
	pub.PublishStatus(events.StatusEvent{Platform: p, State: state, Detail: detail})
}

// ActivitySignal is a one-shot hint that chat is active somewhere. Fire may
// be called any number of times; C is closed on the first call.
type ActivitySignal struct {
	once sync.Once
	ch   chan struct{}
}

// NewActivitySignal returns an unfired signal.
func NewActivitySignal() *ActivitySignal {
	return &ActivitySignal{ch: make(chan struct{})}
}

// Fire marks activity. Safe on a nil signal.
func (s *ActivitySignal) Fire() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.ch) })
}

// C is closed once the signal has fired.
func (s *ActivitySignal) C() <-chan struct{} { return s.ch }

// Fired reports whether Fire has been called.
func (s *ActivitySignal) Fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Reconnect runs session until ctx is cancelled, waiting delay after each
// return. It never gives up; a session that returns nil is restarted too.
func Reconnect(ctx context.Context, p platform.Platform, delay time.Duration, session func(ctx context.Context) error) {
	log := slog.With(slog.String("component", "ingest"), slog.String("platform", string(p)))
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			telemetry.Reconnect(string(p))
		}
		err := session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("chat connection lost, retrying", slog.Any("err", err), slog.Duration("delay", delay))
		} else {
			log.Info("chat connection closed, reconnecting", slog.Duration("delay", delay))
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Tracker remembers the last status event per platform.
type Tracker struct {
	mu     sync.RWMutex
	states map[platform.Platform]events.StatusEvent
}

// NewTracker returns an empty tracker. Subscribe Observe to the status bus.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[platform.Platform]events.StatusEvent)}
}

// Observe records ev.
func (t *Tracker) Observe(ev events.StatusEvent) error {
	t.mu.Lock()
	t.states[ev.Platform] = ev
	t.mu.Unlock()
	return nil
}

// Snapshot returns the latest status per platform.
func (t *Tracker) Snapshot() map[platform.Platform]events.StatusEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[platform.Platform]events.StatusEvent, len(t.states))
	for k, v := range t.states {
		out[k] = v
	}
	return out
}

// Healthy reports whether p's last state is one a working adapter reports.
// Platforms that never reported are not healthy.
func (t *Tracker) Healthy(p platform.Platform) bool {
	t.mu.RLock()
	ev, ok := t.states[p]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	switch ev.State {
	case events.StateConnected, events.StateIdle, events.StateDetecting, events.StateLive, events.StatePolling:
		return true
	}
	return false
}

// Group starts and stops a set of adapters together.
type Group struct {
	adapters []Adapter
}

// NewGroup collects adapters; nil entries are skipped.
func NewGroup(adapters ...Adapter) *Group {
	g := &Group{}
	for _, a := range adapters {
		if a != nil {
			g.adapters = append(g.adapters, a)
		}
	}
	return g
}

// Start starts every adapter. An adapter that fails to start is logged and
// skipped so the others keep running.
func (g *Group) Start(ctx context.Context) {
	for _, a := range g.adapters {
		if err := a.Start(ctx); err != nil {
			slog.Error("adapter failed to start", slog.String("platform", string(a.Name())), slog.Any("err", err))
		}
	}
}

// Stop stops every adapter in reverse order.
func (g *Group) Stop() {
	for i := len(g.adapters) - 1; i >= 0; i-- {
		g.adapters[i].Stop()
	}
}

// Names lists the grouped platforms.
func (g *Group) Names() []platform.Platform {
	out := make([]platform.Platform, 0, len(g.adapters))
	for _, a := range g.adapters {
		out = append(out, a.Name())
	}
	return out
}

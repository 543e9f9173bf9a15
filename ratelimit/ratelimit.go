// Package ratelimit enforces per-platform rolling send windows and a minimum
// spacing between any two sends.
package ratelimit

import (
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/chatrelay/platform"
)

// Limits bounds one platform: at most MessagesPerWindow sends in any rolling
// Window. A zero MessagesPerWindow means unlimited.
type Limits struct {
	MessagesPerWindow int
	Window            time.Duration
}

// Limiter tracks send timestamps per platform. A slot is claimed with Reserve
// before the send and kept only if the send succeeds, so concurrent senders
// never overrun a window. It is process-local; running several instances
// against the same channels will exceed the limits.
type Limiter struct {
	mu      sync.Mutex
	limits  map[platform.Platform]Limits
	sends   map[platform.Platform][]*stamp
	spacing *rate.Limiter
	now     func() time.Time
}

// stamp is one send in a window. Pending stamps belong to sends still in
// flight and are never pruned.
type stamp struct {
	at      time.Time
	pending bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// New builds a limiter. minSpacing <= 0 disables the shared spacing.
func New(limits map[platform.Platform]Limits, minSpacing time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		limits: make(map[platform.Platform]Limits, len(limits)),
		sends:  make(map[platform.Platform][]*stamp),
		now:    time.Now,
	}
	for p, lim := range limits {
		l.limits[p] = lim
	}
	if minSpacing > 0 {
		l.spacing = rate.NewLimiter(rate.Every(minSpacing), 1)
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) limited(p platform.Platform) (Limits, bool) {
	lim, ok := l.limits[p]
	return lim, ok && lim.MessagesPerWindow > 0
}

// prune drops settled stamps outside the window. Caller holds mu.
func (l *Limiter) prune(p platform.Platform, now time.Time) []*stamp {
	lim, ok := l.limited(p)
	if !ok {
		return nil
	}
	cutoff := now.Add(-lim.Window)
	kept := l.sends[p][:0]
	for _, s := range l.sends[p] {
		if s.pending || s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	clear(l.sends[p][len(kept):])
	l.sends[p] = kept
	return kept
}

// Reserve claims a slot in p's window ahead of a send. ok is false when the
// window is full. Otherwise finish must be called once with the outcome: a
// successful send keeps the slot, stamped with the completion time, and a
// failed one frees it.
func (l *Limiter) Reserve(p platform.Platform) (finish func(sent bool), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, limited := l.limited(p)
	if !limited {
		return l.finisher(p, nil), true
	}
	kept := l.prune(p, l.now())
	if len(kept) >= lim.MessagesPerWindow {
		return nil, false
	}
	s := &stamp{at: l.now(), pending: true}
	l.sends[p] = append(kept, s)
	return l.finisher(p, s), true
}

func (l *Limiter) finisher(p platform.Platform, s *stamp) func(bool) {
	var once sync.Once
	return func(sent bool) {
		once.Do(func() { l.settle(p, s, sent) })
	}
}

func (l *Limiter) settle(p platform.Platform, s *stamp, sent bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if s != nil {
		if sent {
			s.at, s.pending = now, false
		} else {
			l.sends[p] = slices.DeleteFunc(l.sends[p], func(x *stamp) bool { return x == s })
		}
	}
	if sent && l.spacing != nil {
		l.spacing.ReserveN(now, 1)
	}
}

// Remaining returns how many sends p may still make in the current window,
// counting sends in flight, or -1 when p is unlimited.
func (l *Limiter) Remaining(p platform.Platform) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limited(p)
	if !ok {
		return -1
	}
	return max(0, lim.MessagesPerWindow-len(l.prune(p, l.now())))
}

// Delay returns how long until the shared spacing allows the next send.
func (l *Limiter) Delay() time.Duration {
	if l.spacing == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tokens := l.spacing.TokensAt(l.now())
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / float64(l.spacing.Limit()) * float64(time.Second))
}

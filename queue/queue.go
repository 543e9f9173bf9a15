// Package queue is the outbound delivery queue: prioritized, rate limited,
// retried per platform, with partial delivery tracked per entry.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/relay"
	"github.com/onnwee/chatrelay/telemetry"
)

// Priority orders entries; higher runs first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Low:
		return "low"
	}
	return "normal"
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// ParsePriority accepts high, normal, low; empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return High, nil
	case "", "normal":
		return Normal, nil
	case "low":
		return Low, nil
	}
	return Normal, fmt.Errorf("unknown priority %q", s)
}

var (
	ErrEmptyText  = errors.New("queue: empty text")
	ErrNoTargets  = errors.New("queue: no target platforms")
	ErrBadTargets = errors.New("queue: unknown target platform")
)

// Deliverer sends text to one platform.
type Deliverer interface {
	Deliver(ctx context.Context, p platform.Platform, text string) relay.SendResult
}

// Limiter gates sends per platform and spaces them globally.
// Reserve claims a window slot for one send; finish reports whether the send
// went out.
type Limiter interface {
	Reserve(p platform.Platform) (finish func(sent bool), ok bool)
	Delay() time.Duration
}

// Message is a snapshot of one queue entry.
type Message struct {
	ID          string              `json:"id"`
	Text        string              `json:"text"`
	Targets     []platform.Platform `json:"targets"`
	Priority    Priority            `json:"priority"`
	EnqueuedAt  time.Time           `json:"enqueued_at"`
	RetryCount  int                 `json:"retry_count"`
	DeliveredTo []platform.Platform `json:"delivered_to"`
	Disabled    []platform.Platform `json:"disabled,omitempty"`
}

type entry struct {
	Message
	delivered map[platform.Platform]bool
	disabled  map[platform.Platform]bool
}

func (e *entry) pending() []platform.Platform {
	var out []platform.Platform
	for _, p := range e.Targets {
		if !e.delivered[p] && !e.disabled[p] {
			out = append(out, p)
		}
	}
	return out
}

func (e *entry) snapshot() Message {
	m := e.Message
	m.Targets = slices.Clone(e.Targets)
	m.DeliveredTo, m.Disabled = nil, nil
	for _, p := range e.Targets {
		if e.delivered[p] {
			m.DeliveredTo = append(m.DeliveredTo, p)
		}
		if e.disabled[p] {
			m.Disabled = append(m.Disabled, p)
		}
	}
	return m
}

// Options tune the queue. Zero values take the defaults.
type Options struct {
	RetryCap       int           // default 3
	Interval       time.Duration // minimum delay between iterations, default 250ms
	CoalesceWindow time.Duration // default 2s; negative disables coalescing
	// OnDrop is told about entries abandoned at the retry cap.
	OnDrop func(m Message, undelivered []platform.Platform)
	// OnDelivered is told when an entry leaves the queue with every
	// reachable target served.
	OnDelivered func(m Message)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Queue is safe for concurrent Enqueue; processing is strictly sequential.
type Queue struct {
	deliverer Deliverer
	limiter   Limiter
	opts      Options

	mu         sync.Mutex
	items      []*entry
	processing bool
	wake       chan struct{}
}

// New builds a queue.
func New(d Deliverer, l Limiter, opts Options) *Queue {
	if opts.RetryCap <= 0 {
		opts.RetryCap = 3
	}
	if opts.Interval <= 0 {
		opts.Interval = 250 * time.Millisecond
	}
	if opts.CoalesceWindow == 0 {
		opts.CoalesceWindow = 2 * time.Second
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.sleep == nil {
		opts.sleep = sleepCtx
	}
	return &Queue{deliverer: d, limiter: l, opts: opts, wake: make(chan struct{}, 1)}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func sameTargets(a, b []platform.Platform) bool {
	if len(a) != len(b) {
		return false
	}
	for _, p := range a {
		if !slices.Contains(b, p) {
			return false
		}
	}
	return true
}

// Enqueue adds text for targets. "all" must already be expanded by the
// caller (see platform.ExpandTargets). An identical text and target set
// enqueued within the coalesce window returns the existing entry's id.
func (q *Queue) Enqueue(text string, targets []platform.Platform, pr Priority) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if len(targets) == 0 {
		return "", ErrNoTargets
	}
	var uniq []platform.Platform
	for _, p := range targets {
		if !p.Valid() {
			return "", fmt.Errorf("%w: %q", ErrBadTargets, p)
		}
		if !slices.Contains(uniq, p) {
			uniq = append(uniq, p)
		}
	}

	q.mu.Lock()
	now := q.opts.now()
	if q.opts.CoalesceWindow > 0 {
		for _, e := range q.items {
			if e.Text == text && sameTargets(e.Targets, uniq) && now.Sub(e.EnqueuedAt) < q.opts.CoalesceWindow {
				id := e.ID
				q.mu.Unlock()
				slog.Debug("coalesced duplicate queue entry", slog.String("id", id))
				return id, nil
			}
		}
	}
	e := &entry{
		Message:   Message{ID: uuid.NewString(), Text: text, Targets: uniq, Priority: pr, EnqueuedAt: now},
		delivered: make(map[platform.Platform]bool),
		disabled:  make(map[platform.Platform]bool),
	}
	// insert after the last entry of equal or higher priority
	idx := len(q.items)
	for i, it := range q.items {
		if it.Priority < pr {
			idx = i
			break
		}
	}
	q.items = slices.Insert(q.items, idx, e)
	telemetry.SetQueueDepth(len(q.items))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return e.ID, nil
}

// Snapshot returns the entries in processing order.
func (q *Queue) Snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0, len(q.items))
	for _, e := range q.items {
		out = append(out, e.snapshot())
	}
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ProcessOnce runs one iteration on the head entry. It returns false when
// the queue is empty or another iteration is already in flight.
func (q *Queue) ProcessOnce(ctx context.Context) bool {
	q.mu.Lock()
	if q.processing || len(q.items) == 0 {
		q.mu.Unlock()
		return false
	}
	q.processing = true
	head := q.items[0]
	pending := head.pending()
	text := head.Text
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	log := slog.With(slog.String("component", "queue"), slog.String("id", head.ID))
	failed := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		finish := func(bool) {}
		if q.limiter != nil {
			f, ok := q.limiter.Reserve(p)
			if !ok {
				continue
			}
			finish = f
			if d := q.limiter.Delay(); d > 0 {
				if err := q.opts.sleep(ctx, d); err != nil {
					finish(false)
					break
				}
			}
		}
		res := q.deliverer.Deliver(ctx, p, text)
		finish(res.Success)
		q.mu.Lock()
		switch {
		case res.Success:
			head.delivered[p] = true
		case res.ErrorCode == relay.CodeDisabled:
			head.disabled[p] = true
		default:
			failed++
		}
		q.mu.Unlock()
		if res.Success {
			continue
		}
		log.Warn("queue send failed", slog.String("platform", string(p)), slog.String("code", string(res.ErrorCode)), slog.Any("err", res.Err))
	}

	q.mu.Lock()
	remaining := head.pending()
	snap := head.snapshot()
	done, dropped := false, false
	switch {
	case len(remaining) == 0:
		done = true
	case failed > 0 && head.RetryCount >= q.opts.RetryCap:
		dropped = true
	default:
		// Iterations in which every remaining target was only held back by
		// the rate limiter do not consume the retry budget.
		if failed > 0 {
			head.RetryCount++
		}
	}
	q.removeLocked(head)
	if !done && !dropped {
		q.items = append(q.items, head)
	}
	telemetry.SetQueueDepth(len(q.items))
	q.mu.Unlock()

	switch {
	case done:
		if len(snap.Disabled) > 0 {
			log.Info("queue entry finished with disabled platforms", slog.Any("disabled", snap.Disabled))
		}
		if q.opts.OnDelivered != nil {
			q.opts.OnDelivered(snap)
		}
	case dropped:
		telemetry.QueueEntryDropped()
		log.Warn("queue entry dropped after retry cap", slog.Int("retries", snap.RetryCount), slog.Any("undelivered", remaining))
		if q.opts.OnDrop != nil {
			q.opts.OnDrop(snap, remaining)
		}
	}
	return true
}

func (q *Queue) removeLocked(e *entry) {
	for i, it := range q.items {
		if it == e {
			q.items = slices.Delete(q.items, i, i+1)
			return
		}
	}
}

// Run processes entries until ctx is cancelled, waiting Interval between
// iterations and idling while the queue is empty.
func (q *Queue) Run(ctx context.Context) {
	slog.Info("delivery queue started", slog.String("component", "queue"))
	for {
		if !q.ProcessOnce(ctx) && q.Len() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}
		if err := q.opts.sleep(ctx, q.opts.Interval); err != nil {
			return
		}
	}
}

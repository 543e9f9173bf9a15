package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/ratelimit"
	"github.com/onnwee/chatrelay/relay"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sent struct {
	p    platform.Platform
	text string
}

// scriptedDeliverer returns scripted results per platform, success by default.
type scriptedDeliverer struct {
	mu      sync.Mutex
	results map[platform.Platform][]relay.SendResult
	sent    []sent
}

func (d *scriptedDeliverer) Deliver(_ context.Context, p platform.Platform, text string) relay.SendResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sent{p, text})
	if rs := d.results[p]; len(rs) > 0 {
		d.results[p] = rs[1:]
		return rs[0]
	}
	return relay.OK("m")
}

func (d *scriptedDeliverer) count(p platform.Platform) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sent {
		if s.p == p {
			n++
		}
	}
	return n
}

func newTestQueue(d Deliverer, l Limiter, clock *fakeClock, opts Options) *Queue {
	opts.now = clock.Now
	opts.sleep = func(context.Context, time.Duration) error { return nil }
	return New(d, l, opts)
}

func TestPartialDeliveryUnderRateLimit(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	lim := ratelimit.New(map[platform.Platform]ratelimit.Limits{
		platform.Twitch: {MessagesPerWindow: 1, Window: 30 * time.Second},
	}, 0, ratelimit.WithClock(clock.Now))
	finish, ok := lim.Reserve(platform.Twitch) // a direct send holds the only twitch slot
	require.True(t, ok)

	d := &scriptedDeliverer{}
	q := newTestQueue(d, lim, clock, Options{})
	_, err := q.Enqueue("hello", platform.All(), Normal)
	require.NoError(t, err)

	require.True(t, q.ProcessOnce(context.Background()))
	snap := q.Snapshot()
	require.Len(t, snap, 1)
	assert.ElementsMatch(t, []platform.Platform{platform.Kick, platform.YouTube}, snap[0].DeliveredTo)
	assert.Zero(t, d.count(platform.Twitch))
	assert.Zero(t, snap[0].RetryCount, "rate limit deferral is not a failed attempt")

	// still full: nothing is re-sent
	require.True(t, q.ProcessOnce(context.Background()))
	assert.Equal(t, 1, d.count(platform.Kick))
	assert.Equal(t, 1, d.count(platform.YouTube))

	finish(true)
	clock.Advance(31 * time.Second)
	require.True(t, q.ProcessOnce(context.Background()))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1, d.count(platform.Twitch))
	assert.Equal(t, 1, d.count(platform.Kick), "delivered platforms are never re-sent")
}

func TestFailedSendReleasesWindowSlot(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	lim := ratelimit.New(map[platform.Platform]ratelimit.Limits{
		platform.Twitch: {MessagesPerWindow: 1, Window: 30 * time.Second},
	}, 0, ratelimit.WithClock(clock.Now))
	d := &scriptedDeliverer{results: map[platform.Platform][]relay.SendResult{
		platform.Twitch: {relay.Fail(relay.CodeRateLimited, nil)},
	}}
	q := newTestQueue(d, lim, clock, Options{})
	_, err := q.Enqueue("x", []platform.Platform{platform.Twitch}, Normal)
	require.NoError(t, err)

	require.True(t, q.ProcessOnce(context.Background()))
	assert.Equal(t, 1, lim.Remaining(platform.Twitch), "a rejected send does not use the window")

	require.True(t, q.ProcessOnce(context.Background()))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 2, d.count(platform.Twitch))
	assert.Equal(t, 0, lim.Remaining(platform.Twitch))
}

func TestRetryCapDropsEntry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	fail := relay.Fail(relay.CodeUnknown, nil)
	d := &scriptedDeliverer{results: map[platform.Platform][]relay.SendResult{
		platform.Kick: {fail, fail, fail, fail, fail, fail},
	}}
	var dropped []platform.Platform
	q := newTestQueue(d, nil, clock, Options{RetryCap: 2, OnDrop: func(_ Message, u []platform.Platform) { dropped = u }})
	_, err := q.Enqueue("x", []platform.Platform{platform.Twitch, platform.Kick}, Normal)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.True(t, q.ProcessOnce(context.Background()))
	}
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 3, d.count(platform.Kick))
	assert.Equal(t, 1, d.count(platform.Twitch))
	assert.Equal(t, []platform.Platform{platform.Kick}, dropped)
}

func TestDisabledIsTerminalForPlatform(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	d := &scriptedDeliverer{results: map[platform.Platform][]relay.SendResult{
		platform.YouTube: {relay.Fail(relay.CodeDisabled, nil)},
	}}
	var finished *Message
	q := newTestQueue(d, nil, clock, Options{OnDelivered: func(m Message) { finished = &m }})
	_, err := q.Enqueue("x", platform.All(), Normal)
	require.NoError(t, err)

	require.True(t, q.ProcessOnce(context.Background()))
	assert.Equal(t, 0, q.Len())
	require.NotNil(t, finished)
	assert.Equal(t, []platform.Platform{platform.YouTube}, finished.Disabled)
	assert.Equal(t, 1, d.count(platform.YouTube))
}

func TestPriorityOrderingWithFIFOTies(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	q := newTestQueue(&scriptedDeliverer{}, nil, clock, Options{})
	tw := []platform.Platform{platform.Twitch}
	for _, in := range []struct {
		text string
		pr   Priority
	}{{"n1", Normal}, {"l1", Low}, {"h1", High}, {"n2", Normal}, {"h2", High}} {
		_, err := q.Enqueue(in.text, tw, in.pr)
		require.NoError(t, err)
	}
	var order []string
	for _, m := range q.Snapshot() {
		order = append(order, m.Text)
	}
	assert.Equal(t, []string{"h1", "h2", "n1", "n2", "l1"}, order)
}

func TestCoalescing(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	q := newTestQueue(&scriptedDeliverer{}, nil, clock, Options{})
	targets := []platform.Platform{platform.Twitch, platform.Kick}

	id1, err := q.Enqueue("same", targets, Normal)
	require.NoError(t, err)
	id2, err := q.Enqueue("same", []platform.Platform{platform.Kick, platform.Twitch}, High)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, q.Len())

	clock.Advance(3 * time.Second)
	id3, err := q.Enqueue("same", targets, Normal)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
	assert.Equal(t, 2, q.Len())
}

func TestEnqueueValidation(t *testing.T) {
	q := New(&scriptedDeliverer{}, nil, Options{})
	_, err := q.Enqueue("  ", platform.All(), Normal)
	assert.ErrorIs(t, err, ErrEmptyText)
	_, err = q.Enqueue("x", nil, Normal)
	assert.ErrorIs(t, err, ErrNoTargets)
	_, err = q.Enqueue("x", []platform.Platform{"myspace"}, Normal)
	assert.ErrorIs(t, err, ErrBadTargets)
}

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]Priority{"": Normal, "HIGH": High, "low": Low, "normal": Normal} {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}

func TestRunDrainsQueue(t *testing.T) {
	d := &scriptedDeliverer{}
	q := New(d, nil, Options{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	_, err := q.Enqueue("a", []platform.Platform{platform.Twitch}, Normal)
	require.NoError(t, err)
	_, err = q.Enqueue("b", []platform.Platform{platform.Kick}, Normal)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.count(platform.Twitch))
	assert.Equal(t, 1, d.count(platform.Kick))
}

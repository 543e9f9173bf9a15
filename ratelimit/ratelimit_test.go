package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatrelay/platform"
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

func newClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

// send reserves a slot and settles it as sent.
func send(l *Limiter, p platform.Platform) bool {
	finish, ok := l.Reserve(p)
	if ok {
		finish(true)
	}
	return ok
}

func TestWindowNeverExceeded(t *testing.T) {
	clk := newClock()
	l := New(map[platform.Platform]Limits{
		platform.Twitch: {MessagesPerWindow: 3, Window: 30 * time.Second},
	}, 0, WithClock(clk.Now))

	sent := []time.Time{}
	for i := 0; i < 100; i++ {
		if send(l, platform.Twitch) {
			sent = append(sent, clk.Now())
		}
		clk.Advance(time.Second)
	}

	for i := range sent {
		inWindow := 0
		for j := i; j < len(sent) && sent[j].Sub(sent[i]) < 30*time.Second; j++ {
			inWindow++
		}
		assert.LessOrEqual(t, inWindow, 3, "window starting at send %d", i)
	}
	assert.NotEmpty(t, sent)
}

func TestConcurrentReservationsNeverOverrun(t *testing.T) {
	l := New(map[platform.Platform]Limits{
		platform.Twitch: {MessagesPerWindow: 2, Window: time.Minute},
	}, 0)

	var granted atomic.Int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			finish, ok := l.Reserve(platform.Twitch)
			if !ok {
				return
			}
			granted.Add(1)
			time.Sleep(10 * time.Millisecond) // send in flight
			finish(true)
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 2, granted.Load())
	assert.Equal(t, 0, l.Remaining(platform.Twitch))
}

func TestFailedSendFreesSlot(t *testing.T) {
	clk := newClock()
	l := New(map[platform.Platform]Limits{
		platform.Kick: {MessagesPerWindow: 1, Window: 10 * time.Second},
	}, 0, WithClock(clk.Now))

	finish, ok := l.Reserve(platform.Kick)
	require.True(t, ok)
	_, ok = l.Reserve(platform.Kick)
	assert.False(t, ok, "an in-flight send holds its slot")

	finish(false)
	assert.Equal(t, 1, l.Remaining(platform.Kick))
	finish(true) // settling twice is a no-op
	assert.Equal(t, 1, l.Remaining(platform.Kick))
}

func TestInFlightSlotOutlivesWindow(t *testing.T) {
	clk := newClock()
	l := New(map[platform.Platform]Limits{
		platform.Kick: {MessagesPerWindow: 1, Window: 10 * time.Second},
	}, 0, WithClock(clk.Now))

	finish, ok := l.Reserve(platform.Kick)
	require.True(t, ok)
	clk.Advance(15 * time.Second)
	_, ok = l.Reserve(platform.Kick)
	assert.False(t, ok, "a slow send is not pruned while in flight")

	finish(true)
	clk.Advance(9 * time.Second)
	assert.Equal(t, 0, l.Remaining(platform.Kick), "the window counts from completion")
	clk.Advance(time.Second)
	assert.Equal(t, 1, l.Remaining(platform.Kick))
}

func TestWindowFrees(t *testing.T) {
	clk := newClock()
	l := New(map[platform.Platform]Limits{
		platform.Kick: {MessagesPerWindow: 1, Window: 10 * time.Second},
	}, 0, WithClock(clk.Now))

	assert.True(t, send(l, platform.Kick))
	assert.False(t, send(l, platform.Kick))
	assert.Equal(t, 0, l.Remaining(platform.Kick))

	clk.Advance(10 * time.Second)
	assert.Equal(t, 1, l.Remaining(platform.Kick))
	assert.True(t, send(l, platform.Kick))
}

func TestPlatformsAreIndependent(t *testing.T) {
	clk := newClock()
	l := New(map[platform.Platform]Limits{
		platform.Twitch:  {MessagesPerWindow: 1, Window: time.Minute},
		platform.YouTube: {MessagesPerWindow: 1, Window: time.Minute},
	}, 0, WithClock(clk.Now))

	require.True(t, send(l, platform.Twitch))
	assert.False(t, send(l, platform.Twitch))
	assert.True(t, send(l, platform.YouTube))
	assert.True(t, send(l, platform.Kick), "unconfigured platforms are unlimited")
	assert.True(t, send(l, platform.Kick))
	assert.Equal(t, -1, l.Remaining(platform.Kick))
}

func TestSharedSpacing(t *testing.T) {
	clk := newClock()
	l := New(nil, time.Second, WithClock(clk.Now))

	assert.Zero(t, l.Delay())
	finish, ok := l.Reserve(platform.Twitch)
	require.True(t, ok)
	assert.Zero(t, l.Delay(), "spacing starts once the send completes")
	finish(true)

	d := l.Delay()
	assert.InDelta(t, float64(time.Second), float64(d), float64(10*time.Millisecond))

	clk.Advance(400 * time.Millisecond)
	assert.InDelta(t, float64(600*time.Millisecond), float64(l.Delay()), float64(10*time.Millisecond))

	clk.Advance(600 * time.Millisecond)
	assert.Zero(t, l.Delay())

	finish, _ = l.Reserve(platform.Kick)
	finish(false)
	assert.Zero(t, l.Delay(), "failed sends do not consume spacing")
}

func TestNoSpacing(t *testing.T) {
	l := New(nil, 0)
	send(l, platform.Twitch)
	assert.Zero(t, l.Delay())
}

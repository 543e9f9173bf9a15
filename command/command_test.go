package command

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/notify"
	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/queue"
)

type enqueued struct {
	text    string
	targets []platform.Platform
	pr      queue.Priority
}

type fakeQueue struct {
	mu    sync.Mutex
	items []enqueued
}

func (q *fakeQueue) Enqueue(text string, targets []platform.Platform, pr queue.Priority) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, enqueued{text, targets, pr})
	return "id", nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	seen []notify.Notification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, note)
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seen)
}

func chat(text string, badges ...events.Badge) events.ChatMessage {
	return events.ChatMessage{
		ID: "m1", Platform: platform.Twitch, Username: "mod", PlatformUserID: "42",
		Text: text, Badges: events.NewBadges(badges...),
	}
}

func TestUnauthorizedCommandHasNoEffect(t *testing.T) {
	q, n := &fakeQueue{}, &fakeNotifier{}
	p := New(q, n, Options{})

	assert.Equal(t, OutcomeUnauthorized, p.Process(context.Background(), chat("!testsub")))
	assert.Equal(t, OutcomeUnauthorized, p.Process(context.Background(), chat("!announce hi", events.BadgeSubscriber, events.BadgeVIP)))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, q.items)
	assert.Zero(t, n.count())
}

func TestAnnounceEnqueuesHighToAllAndNotifies(t *testing.T) {
	q, n := &fakeQueue{}, &fakeNotifier{}
	p := New(q, n, Options{})

	out := p.Process(context.Background(), chat("!announce  Stream starts soon", events.BadgeModerator))
	require.Equal(t, OutcomeExecuted, out)
	require.Len(t, q.items, 1)
	assert.Equal(t, "Stream starts soon", q.items[0].text)
	assert.Equal(t, queue.High, q.items[0].pr)
	assert.Equal(t, platform.All(), q.items[0].targets)
	assert.Eventually(t, func() bool { return n.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDuplicateWithinCooldownDropped(t *testing.T) {
	q := &fakeQueue{}
	p := New(q, nil, Options{Cooldown: 50 * time.Millisecond})
	msg := chat("!say hello", events.BadgeBroadcaster)

	assert.Equal(t, OutcomeExecuted, p.Process(context.Background(), msg))
	msg.Text = "!SAY   hello"
	assert.Equal(t, OutcomeDuplicate, p.Process(context.Background(), msg))

	other := chat("!say hello", events.BadgeModerator)
	other.PlatformUserID = "43"
	assert.Equal(t, OutcomeExecuted, p.Process(context.Background(), other), "other users are not throttled")

	assert.Eventually(t, func() bool {
		return p.Process(context.Background(), chat("!say hello", events.BadgeBroadcaster)) == OutcomeExecuted
	}, time.Second, 20*time.Millisecond)
}

func TestNotificationFailureDoesNotFailCommand(t *testing.T) {
	q, n := &fakeQueue{}, &fakeNotifier{err: errors.New("webhook down")}
	p := New(q, n, Options{})
	assert.Equal(t, OutcomeExecuted, p.Process(context.Background(), chat("!testsub", events.BadgeModerator)))
	assert.Len(t, q.items, 1)
}

func TestIgnoredAndUnknown(t *testing.T) {
	p := New(&fakeQueue{}, nil, Options{})
	assert.Equal(t, OutcomeIgnored, p.Process(context.Background(), chat("hello there", events.BadgeModerator)))
	assert.Equal(t, OutcomeIgnored, p.Process(context.Background(), chat("!", events.BadgeModerator)))
	assert.Equal(t, OutcomeUnknown, p.Process(context.Background(), chat("!dance", events.BadgeModerator)))
	assert.Equal(t, OutcomeFailed, p.Process(context.Background(), chat("!say", events.BadgeModerator)))
}

func TestCustomDefinitionsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
commands:
  - name: "!Discord"
    reply: "{user} says join us: {args}"
    priority: low
    target: kick
    notify: true
`), 0o600))
	defs, err := LoadDefinitions(path)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "discord", defs[0].Name)

	q, n := &fakeQueue{}, &fakeNotifier{}
	p := New(q, n, Options{Custom: defs})
	require.Equal(t, OutcomeExecuted, p.Process(context.Background(), chat("!discord https://x", events.BadgeModerator)))
	require.Len(t, q.items, 1)
	assert.Equal(t, "mod says join us: https://x", q.items[0].text)
	assert.Equal(t, []platform.Platform{platform.Kick}, q.items[0].targets)
	assert.Equal(t, queue.Low, q.items[0].pr)
	assert.Eventually(t, func() bool { return n.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLoadDefinitionsRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("commands:\n  - {name: a, reply: x}\n  - {name: A, reply: y}\n"), 0o600))
	_, err := LoadDefinitions(path)
	assert.Error(t, err)

	defs, err := LoadDefinitions("")
	assert.NoError(t, err)
	assert.Nil(t, defs)
}

func TestHandleIgnoresNonChat(t *testing.T) {
	q := &fakeQueue{}
	p := New(q, nil, Options{})
	require.NoError(t, p.Handle(events.ModerationEvent{Type: events.Ban}))
	require.NoError(t, p.Handle(chat("!say hi", events.BadgeModerator)))
	assert.Len(t, q.items, 1)
}

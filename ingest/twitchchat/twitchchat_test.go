package twitchchat

import (
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/ingest"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	status []events.StatusEvent
}

func (r *recorder) Publish(ev events.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) PublishStatus(ev events.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = append(r.status, ev)
}

func privmsg(id, userID string, badges map[string]int) twitch.PrivateMessage {
	return twitch.PrivateMessage{
		ID:      id,
		Channel: "streamer",
		Message: "hello",
		Time:    time.UnixMilli(1_700_000_000_000),
		User:    twitch.User{ID: userID, Name: "viewer", DisplayName: "Viewer", Badges: badges},
	}
}

func TestPrivmsgNormalized(t *testing.T) {
	rec := &recorder{}
	sig := ingest.NewActivitySignal()
	a := New(Config{Channel: "#Streamer"}, rec, sig)

	a.onPrivmsg(privmsg("abc", "1", map[string]int{"moderator": 1, "subscriber": 12, "partner": 1, "glhf-pledge": 1}))

	require.Len(t, rec.events, 1)
	msg, ok := rec.events[0].(events.ChatMessage)
	require.True(t, ok)
	assert.Equal(t, "abc", msg.ID)
	assert.Equal(t, "Viewer", msg.Username)
	assert.Equal(t, "1", msg.PlatformUserID)
	assert.Equal(t, int64(1_700_000_000_000), msg.TimestampMillis)
	assert.Equal(t, []string{"moderator", "subscriber", "verified"}, msg.Badges.List())
	assert.True(t, sig.Fired(), "first message fires the activity signal")
	assert.Equal(t, "streamer", a.cfg.Channel)
}

func TestModeratorBadgeTransitions(t *testing.T) {
	rec := &recorder{}
	a := New(Config{Channel: "streamer"}, rec, nil)

	a.onPrivmsg(privmsg("1", "42", nil))                           // first sighting, no event
	a.onPrivmsg(privmsg("2", "42", map[string]int{"moderator": 1})) // promoted
	a.onPrivmsg(privmsg("3", "42", map[string]int{"moderator": 1})) // unchanged
	a.onPrivmsg(privmsg("4", "42", nil))                           // demoted

	var mods []events.ModerationType
	for _, ev := range rec.events {
		if m, ok := ev.(events.ModerationEvent); ok {
			mods = append(mods, m.Type)
			assert.Equal(t, "42", m.PlatformUserID)
		}
	}
	assert.Equal(t, []events.ModerationType{events.ModAdded, events.ModRemoved}, mods)
}

func TestReplayedMessageDoesNotFlipModerator(t *testing.T) {
	hub := events.NewHub(100)
	var mods []events.ModerationType
	hub.Chat.Subscribe(func(ev events.Event) error {
		if m, ok := ev.(events.ModerationEvent); ok {
			mods = append(mods, m.Type)
		}
		return nil
	})
	a := New(Config{Channel: "streamer"}, hub, nil)

	a.onPrivmsg(privmsg("1", "42", nil))
	a.onPrivmsg(privmsg("2", "42", map[string]int{"moderator": 1})) // promoted
	a.onPrivmsg(privmsg("1", "42", nil))                           // replay of the first message

	assert.Equal(t, []events.ModerationType{events.ModAdded}, mods)
}

func TestUserNoticeSubscriptions(t *testing.T) {
	rec := &recorder{}
	a := New(Config{Channel: "streamer"}, rec, nil)
	user := twitch.User{ID: "7", Name: "gifter", DisplayName: "Gifter"}

	a.onUserNotice(twitch.UserNoticeMessage{User: user, MsgID: "resub", MsgParams: map[string]string{"msg-param-cumulative-months": "14"}})
	a.onUserNotice(twitch.UserNoticeMessage{User: user, MsgID: "subgift", MsgParams: map[string]string{"msg-param-recipient-display-name": "Lucky"}})
	a.onUserNotice(twitch.UserNoticeMessage{User: user, MsgID: "submysterygift", MsgParams: map[string]string{"msg-param-mass-gift-count": "5"}})
	a.onUserNotice(twitch.UserNoticeMessage{User: user, MsgID: "raid"})

	require.Len(t, rec.events, 3)
	resub := rec.events[0].(events.SubscriptionEvent)
	assert.Equal(t, events.SubRenew, resub.Kind)
	assert.Equal(t, 14, resub.Months)
	gift := rec.events[1].(events.SubscriptionEvent)
	assert.Equal(t, events.SubGift, gift.Kind)
	assert.Equal(t, "Lucky", gift.Recipient)
	mystery := rec.events[2].(events.SubscriptionEvent)
	assert.Equal(t, 5, mystery.GiftCount)
}

func TestClearChat(t *testing.T) {
	rec := &recorder{}
	a := New(Config{Channel: "streamer"}, rec, nil)

	a.onClearChat(twitch.ClearChatMessage{TargetUsername: "spammer", TargetUserID: "9", BanDuration: 600})
	a.onClearChat(twitch.ClearChatMessage{TargetUsername: "troll", TargetUserID: "10"})
	a.onClearChat(twitch.ClearChatMessage{})

	require.Len(t, rec.events, 2)
	timeout := rec.events[0].(events.ModerationEvent)
	assert.Equal(t, events.Timeout, timeout.Type)
	assert.Equal(t, 600, timeout.DurationSeconds)
	assert.Equal(t, events.Ban, rec.events[1].(events.ModerationEvent).Type)
}

func TestStartRequiresChannel(t *testing.T) {
	a := New(Config{}, &recorder{}, nil)
	assert.Error(t, a.Start(t.Context()))
}

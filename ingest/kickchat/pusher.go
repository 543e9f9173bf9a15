package kickchat

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/platform"
)

// Pusher event names used by Kick chatrooms.
const (
	evConnected    = "pusher:connection_established"
	evSubscribed   = "pusher_internal:subscription_succeeded"
	evPing         = "pusher:ping"
	evPong         = "pusher:pong"
	evError        = "pusher:error"
	evChatMessage  = `App\Events\ChatMessageEvent`
	evUserBanned   = `App\Events\UserBannedEvent`
	evUserUnbanned = `App\Events\UserUnbannedEvent`
	evSubscription = `App\Events\SubscriptionEvent`
	evGiftedSubs   = `App\Events\GiftedSubscriptionsEvent`
)

// frame is a Pusher protocol message. Data is a JSON string on server
// events, so it is decoded a second time.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data"`
}

func subscribeFrame(roomID int) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event": "pusher:subscribe",
		"data":  map[string]string{"auth": "", "channel": "chatrooms." + strconv.Itoa(roomID) + ".v2"},
	})
}

func pongFrame() []byte { return []byte(`{"event":"pusher:pong","data":{}}`) }
func pingFrame() []byte { return []byte(`{"event":"pusher:ping","data":{}}`) }

// unwrap decodes a frame's data field, unquoting it first when the server
// sent it as a string.
func unwrap(raw json.RawMessage, out any) error {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		raw = json.RawMessage(s)
	}
	return json.Unmarshal(raw, out)
}

type kickUser struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Slug     string `json:"slug"`
}

type chatMessageData struct {
	ID         string `json:"id"`
	ChatroomID int    `json:"chatroom_id"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	CreatedAt  string `json:"created_at"`
	Sender     struct {
		kickUser
		Identity struct {
			Color  string `json:"color"`
			Badges []struct {
				Type  string `json:"type"`
				Text  string `json:"text"`
				Count int    `json:"count"`
			} `json:"badges"`
		} `json:"identity"`
	} `json:"sender"`
}

type bannedData struct {
	User      kickUser `json:"user"`
	BannedBy  kickUser `json:"banned_by"`
	Permanent bool     `json:"permanent"`
	Duration  int      `json:"duration"` // minutes
}

type subscriptionData struct {
	ChatroomID int    `json:"chatroom_id"`
	Username   string `json:"username"`
	Months     int    `json:"months"`
}

type giftedData struct {
	ChatroomID      int      `json:"chatroom_id"`
	GiftedUsernames []string `json:"gifted_usernames"`
	GifterUsername  string   `json:"gifter_username"`
}

var badgeMap = map[string]events.Badge{
	"broadcaster": events.BadgeBroadcaster,
	"moderator":   events.BadgeModerator,
	"vip":         events.BadgeVIP,
	"og":          events.BadgeVIP,
	"subscriber":  events.BadgeSubscriber,
	"founder":     events.BadgeFounder,
	"staff":       events.BadgeStaff,
	"verified":    events.BadgeVerified,
}

func parseTime(s string) int64 {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UnixMilli()
	}
	return events.NowMillis()
}

func (d chatMessageData) toEvent(channel string) events.ChatMessage {
	badges := events.NewBadges()
	for _, b := range d.Sender.Identity.Badges {
		if cb, ok := badgeMap[strings.ToLower(b.Type)]; ok {
			badges.Add(cb)
		}
	}
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	return events.ChatMessage{
		ID:              id,
		Platform:        platform.Kick,
		Channel:         channel,
		Username:        d.Sender.Username,
		PlatformUserID:  strconv.Itoa(d.Sender.ID),
		Text:            d.Content,
		TimestampMillis: parseTime(d.CreatedAt),
		Badges:          badges,
	}
}

func (d bannedData) toEvent() events.ModerationEvent {
	ev := events.ModerationEvent{
		Type:            events.Ban,
		Platform:        platform.Kick,
		Username:        d.User.Username,
		TimestampMillis: events.NowMillis(),
	}
	if d.User.ID != 0 {
		ev.PlatformUserID = strconv.Itoa(d.User.ID)
	}
	if !d.Permanent && d.Duration > 0 {
		ev.Type = events.Timeout
		ev.DurationSeconds = d.Duration * 60
	}
	return ev
}

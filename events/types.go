// Package events defines the canonical, platform-agnostic chat events and the
// in-process bus that carries them to subscribers.
package events

import (
	"sort"
	"time"

	"github.com/onnwee/chatrelay/platform"
)

// Kind tags the concrete type of an Event on the wire.
type Kind string

const (
	KindChat         Kind = "chat"
	KindModeration   Kind = "moderation"
	KindSubscription Kind = "subscription"
)

// Event is anything published on the chat bus.
type Event interface {
	EventKind() Kind
	EventPlatform() platform.Platform
}

// Badge is a canonical role or status tag.
type Badge string

const (
	BadgeBroadcaster Badge = "broadcaster"
	BadgeModerator   Badge = "moderator"
	BadgeVIP         Badge = "vip"
	BadgeSubscriber  Badge = "subscriber"
	BadgeFounder     Badge = "founder"
	BadgeStaff       Badge = "staff"
	BadgeVerified    Badge = "verified"
)

// Badges is a set of canonical badges.
type Badges map[Badge]struct{}

// NewBadges builds a set from the given badges.
func NewBadges(bs ...Badge) Badges {
	out := make(Badges, len(bs))
	for _, b := range bs {
		out[b] = struct{}{}
	}
	return out
}

// Has reports whether b is in the set.
func (b Badges) Has(badge Badge) bool {
	_, ok := b[badge]
	return ok
}

// Add inserts a badge.
func (b Badges) Add(badge Badge) { b[badge] = struct{}{} }

// IsModeratorClass reports whether the set grants moderator privileges.
func (b Badges) IsModeratorClass() bool {
	return b.Has(BadgeBroadcaster) || b.Has(BadgeModerator)
}

// List returns the badges sorted for stable output.
func (b Badges) List() []string {
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// ChatMessage is a normalized chat line.
type ChatMessage struct {
	ID              string            `json:"id"`
	Platform        platform.Platform `json:"platform"`
	Channel         string            `json:"channel,omitempty"`
	Username        string            `json:"username"`
	PlatformUserID  string            `json:"platform_user_id"`
	Text            string            `json:"text"`
	TimestampMillis int64             `json:"timestamp"`
	Badges          Badges            `json:"-"`
}

func (ChatMessage) EventKind() Kind                    { return KindChat }
func (m ChatMessage) EventPlatform() platform.Platform { return m.Platform }

// ModerationType enumerates moderation actions observed on a platform.
type ModerationType string

const (
	ModAdded   ModerationType = "mod_added"
	ModRemoved ModerationType = "mod_removed"
	Ban        ModerationType = "ban"
	Unban      ModerationType = "unban"
	Timeout    ModerationType = "timeout"
)

// ModerationEvent describes a moderation action.
type ModerationEvent struct {
	Type            ModerationType    `json:"type"`
	Platform        platform.Platform `json:"platform"`
	Username        string            `json:"username"`
	PlatformUserID  string            `json:"platform_user_id,omitempty"`
	DurationSeconds int               `json:"duration_seconds,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	TimestampMillis int64             `json:"timestamp"`
}

func (ModerationEvent) EventKind() Kind                    { return KindModeration }
func (m ModerationEvent) EventPlatform() platform.Platform { return m.Platform }

// SubscriptionKind distinguishes new, renewed and gifted subscriptions.
type SubscriptionKind string

const (
	SubNew   SubscriptionKind = "sub"
	SubRenew SubscriptionKind = "resub"
	SubGift  SubscriptionKind = "gift"
)

// SubscriptionEvent reports a subscription on a platform.
type SubscriptionEvent struct {
	Kind            SubscriptionKind  `json:"kind"`
	Platform        platform.Platform `json:"platform"`
	Username        string            `json:"username"`
	PlatformUserID  string            `json:"platform_user_id,omitempty"`
	Months          int               `json:"months,omitempty"`
	GiftCount       int               `json:"gift_count,omitempty"`
	Recipient       string            `json:"recipient,omitempty"`
	TimestampMillis int64             `json:"timestamp"`
}

func (SubscriptionEvent) EventKind() Kind                    { return KindSubscription }
func (s SubscriptionEvent) EventPlatform() platform.Platform { return s.Platform }

// StatusState is the liveness of a platform adapter.
type StatusState string

const (
	StateConnecting   StatusState = "connecting"
	StateConnected    StatusState = "connected"
	StateDisconnected StatusState = "disconnected"
	StateIdle         StatusState = "idle"
	StateDetecting    StatusState = "detecting"
	StateLive         StatusState = "live"
	StatePolling      StatusState = "polling"
	StateQuotaBlocked StatusState = "quota_blocked"
)

// StatusEvent is published on the status bus whenever an adapter changes state.
type StatusEvent struct {
	Platform        platform.Platform `json:"platform"`
	State           StatusState       `json:"state"`
	Detail          string            `json:"detail,omitempty"`
	TimestampMillis int64             `json:"timestamp"`
}

// NowMillis returns the current unix time in milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }

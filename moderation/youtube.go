package moderation

import (
	"context"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/platform"
)

// YouTube has no moderator management API the relay can use. Moderator
// status is answered from badges seen on incoming youtube chat.
type YouTube struct {
	badges *otter.Cache[string, bool]
}

// NewYouTube builds the provider; observations expire after ttl.
func NewYouTube(size int, ttl time.Duration) *YouTube {
	if size <= 0 {
		size = 10_000
	}
	opts := &otter.Options[string, bool]{MaximumSize: size}
	if ttl > 0 {
		opts.ExpiryCalculator = otter.ExpiryWriting[string, bool](ttl)
	}
	return &YouTube{badges: otter.Must(opts)}
}

// Observe records the badges on a youtube chat message. It is a chat bus
// handler.
func (y *YouTube) Observe(ev events.Event) error {
	msg, ok := ev.(events.ChatMessage)
	if !ok || msg.Platform != platform.YouTube {
		return nil
	}
	isMod := msg.Badges.IsModeratorClass()
	if msg.PlatformUserID != "" {
		y.badges.Set("id:"+msg.PlatformUserID, isMod)
	}
	if msg.Username != "" {
		y.badges.Set("name:"+strings.ToLower(msg.Username), isMod)
	}
	return nil
}

func (y *YouTube) CheckModerator(_ context.Context, t Target) (Result, error) {
	if t.PlatformUserID != "" {
		if v, ok := y.badges.GetIfPresent("id:" + t.PlatformUserID); ok {
			return Result{Success: true, IsModerator: v}, nil
		}
	}
	if t.Username != "" {
		if v, ok := y.badges.GetIfPresent("name:" + strings.ToLower(t.Username)); ok {
			return Result{Success: true, IsModerator: v}, nil
		}
	}
	return failed(ReasonNotObserved), nil
}

func (y *YouTube) GrantModerator(context.Context, Target) (Result, error)  { return unsupported(), nil }
func (y *YouTube) RevokeModerator(context.Context, Target) (Result, error) { return unsupported(), nil }
func (y *YouTube) BanOrTimeout(context.Context, Target, int, string) (Result, error) {
	return unsupported(), nil
}

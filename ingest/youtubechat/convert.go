package youtubechat

import (
	"time"

	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/platform"
)

func publishedMillis(s string) int64 {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixMilli()
	}
	return events.NowMillis()
}

func authorBadges(a *yt.LiveChatMessageAuthorDetails) events.Badges {
	b := events.NewBadges()
	if a == nil {
		return b
	}
	if a.IsChatOwner {
		b.Add(events.BadgeBroadcaster)
	}
	if a.IsChatModerator {
		b.Add(events.BadgeModerator)
	}
	if a.IsChatSponsor {
		b.Add(events.BadgeSubscriber)
	}
	if a.IsVerified {
		b.Add(events.BadgeVerified)
	}
	return b
}

// convert maps a live chat item onto a canonical event. Item types the relay
// does not model yield nil.
func convert(m *yt.LiveChatMessage, channel string) events.Event {
	if m == nil || m.Snippet == nil {
		return nil
	}
	s := m.Snippet
	var name, uid string
	if m.AuthorDetails != nil {
		name, uid = m.AuthorDetails.DisplayName, m.AuthorDetails.ChannelId
	}
	if uid == "" {
		uid = s.AuthorChannelId
	}
	ts := publishedMillis(s.PublishedAt)

	switch s.Type {
	case "textMessageEvent", "superChatEvent", "superStickerEvent":
		text := s.DisplayMessage
		if s.TextMessageDetails != nil && s.TextMessageDetails.MessageText != "" {
			text = s.TextMessageDetails.MessageText
		}
		return events.ChatMessage{
			ID:              m.Id,
			Platform:        platform.YouTube,
			Channel:         channel,
			Username:        name,
			PlatformUserID:  uid,
			Text:            text,
			TimestampMillis: ts,
			Badges:          authorBadges(m.AuthorDetails),
		}
	case "userBannedEvent":
		d := s.UserBannedDetails
		if d == nil || d.BannedUserDetails == nil {
			return nil
		}
		ev := events.ModerationEvent{
			Type:            events.Ban,
			Platform:        platform.YouTube,
			Username:        d.BannedUserDetails.DisplayName,
			PlatformUserID:  d.BannedUserDetails.ChannelId,
			TimestampMillis: ts,
		}
		if d.BanType == "temporary" {
			ev.Type = events.Timeout
			ev.DurationSeconds = int(d.BanDurationSeconds)
		}
		return ev
	case "newSponsorEvent":
		return events.SubscriptionEvent{Kind: events.SubNew, Platform: platform.YouTube, Username: name, PlatformUserID: uid, Months: 1, TimestampMillis: ts}
	case "memberMilestoneChatEvent":
		ev := events.SubscriptionEvent{Kind: events.SubRenew, Platform: platform.YouTube, Username: name, PlatformUserID: uid, TimestampMillis: ts}
		if s.MemberMilestoneChatDetails != nil {
			ev.Months = int(s.MemberMilestoneChatDetails.MemberMonth)
		}
		return ev
	case "membershipGiftingEvent":
		ev := events.SubscriptionEvent{Kind: events.SubGift, Platform: platform.YouTube, Username: name, PlatformUserID: uid, TimestampMillis: ts}
		if s.MembershipGiftingDetails != nil {
			ev.GiftCount = int(s.MembershipGiftingDetails.GiftMembershipsCount)
		}
		return ev
	}
	return nil
}

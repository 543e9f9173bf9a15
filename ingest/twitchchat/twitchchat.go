// Package twitchchat ingests Twitch chat over IRC.
package twitchchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/maypok86/otter/v2"

	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/ingest"
	"github.com/onnwee/chatrelay/platform"
)

// DefaultReconnectDelay is the fixed wait between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// Config configures the adapter.
type Config struct {
	Channel  string
	Username string
	// Token returns the chat token without the "oauth:" prefix. A nil Token
	// or an empty Username joins anonymously, read only.
	Token          func(ctx context.Context) (string, error)
	ReconnectDelay time.Duration
}

// Adapter is the Twitch IRC ingestion adapter.
type Adapter struct {
	cfg      Config
	pub      ingest.Publisher
	activity *ingest.ActivitySignal

	// last known moderator state per user id
	modState *otter.Cache[string, bool]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ingest.Adapter = (*Adapter)(nil)

// New builds an adapter. activity may be nil.
func New(cfg Config, pub ingest.Publisher, activity *ingest.ActivitySignal) *Adapter {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	cfg.Channel = strings.ToLower(strings.TrimPrefix(cfg.Channel, "#"))
	return &Adapter{
		cfg:      cfg,
		pub:      pub,
		activity: activity,
		modState: otter.Must(&otter.Options[string, bool]{MaximumSize: 50_000}),
	}
}

func (a *Adapter) Name() platform.Platform { return platform.Twitch }

// Start connects in the background and keeps reconnecting until Stop.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.Channel == "" {
		return errors.New("twitchchat: channel not configured")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("twitchchat: already started")
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ingest.Reconnect(ctx, platform.Twitch, a.cfg.ReconnectDelay, a.session)
	}()
	return nil
}

// Stop disconnects and waits for the reconnect loop to exit.
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

func (a *Adapter) client(ctx context.Context) (*twitch.Client, error) {
	if a.cfg.Token == nil || a.cfg.Username == "" {
		return twitch.NewAnonymousClient(), nil
	}
	tok, err := a.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("twitch chat token: %w", err)
	}
	return twitch.NewClient(a.cfg.Username, "oauth:"+strings.TrimPrefix(tok, "oauth:")), nil
}

// session runs one IRC connection until it drops or ctx ends.
func (a *Adapter) session(ctx context.Context) error {
	ingest.Status(a.pub, platform.Twitch, events.StateConnecting, a.cfg.Channel)
	c, err := a.client(ctx)
	if err != nil {
		ingest.Status(a.pub, platform.Twitch, events.StateDisconnected, err.Error())
		return err
	}
	c.OnConnect(func() {
		slog.Info("twitch chat connected", slog.String("channel", a.cfg.Channel))
		ingest.Status(a.pub, platform.Twitch, events.StateConnected, a.cfg.Channel)
	})
	c.OnReconnectMessage(func(twitch.ReconnectMessage) {
		slog.Info("twitch chat server requested reconnect")
	})
	c.OnPrivateMessage(a.onPrivmsg)
	c.OnUserNoticeMessage(a.onUserNotice)
	c.OnClearChatMessage(a.onClearChat)
	c.Join(a.cfg.Channel)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Disconnect()
		case <-done:
		}
	}()

	err = c.Connect()
	ingest.Status(a.pub, platform.Twitch, events.StateDisconnected, "")
	if errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

// badgeMap maps Twitch badge names to canonical badges.
var badgeMap = map[string]events.Badge{
	"broadcaster": events.BadgeBroadcaster,
	"moderator":   events.BadgeModerator,
	"vip":         events.BadgeVIP,
	"subscriber":  events.BadgeSubscriber,
	"founder":     events.BadgeFounder,
	"staff":       events.BadgeStaff,
	"admin":       events.BadgeStaff,
	"global_mod":  events.BadgeStaff,
	"partner":     events.BadgeVerified,
}

func mapBadges(native map[string]int) events.Badges {
	out := events.NewBadges()
	for name := range native {
		if b, ok := badgeMap[name]; ok {
			out.Add(b)
		}
	}
	return out
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return events.NowMillis()
	}
	return t.UnixMilli()
}

func displayName(u twitch.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Name
}

func (a *Adapter) onPrivmsg(msg twitch.PrivateMessage) {
	badges := mapBadges(msg.User.Badges)
	ts := millis(msg.Time)
	fresh := a.pub.Publish(events.ChatMessage{
		ID:              msg.ID,
		Platform:        platform.Twitch,
		Channel:         msg.Channel,
		Username:        displayName(msg.User),
		PlatformUserID:  msg.User.ID,
		Text:            msg.Message,
		TimestampMillis: ts,
		Badges:          badges,
	})
	if !fresh {
		return
	}
	a.activity.Fire()
	a.trackModerator(msg.User, badges.Has(events.BadgeModerator), ts)
}

// trackModerator emits mod_added or mod_removed when a user's moderator
// badge changes between two of their messages.
func (a *Adapter) trackModerator(u twitch.User, isMod bool, ts int64) {
	if u.ID == "" {
		return
	}
	prev, seen := a.modState.GetIfPresent(u.ID)
	a.modState.Set(u.ID, isMod)
	if !seen || prev == isMod {
		return
	}
	typ := events.ModAdded
	if !isMod {
		typ = events.ModRemoved
	}
	a.pub.Publish(events.ModerationEvent{
		Type:            typ,
		Platform:        platform.Twitch,
		Username:        displayName(u),
		PlatformUserID:  u.ID,
		TimestampMillis: ts,
	})
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func (a *Adapter) onUserNotice(msg twitch.UserNoticeMessage) {
	ev := events.SubscriptionEvent{
		Platform:        platform.Twitch,
		Username:        displayName(msg.User),
		PlatformUserID:  msg.User.ID,
		TimestampMillis: millis(msg.Time),
	}
	switch msg.MsgID {
	case "sub":
		ev.Kind = events.SubNew
		ev.Months = max(1, atoi(msg.MsgParams["msg-param-cumulative-months"]))
	case "resub":
		ev.Kind = events.SubRenew
		ev.Months = atoi(msg.MsgParams["msg-param-cumulative-months"])
	case "subgift":
		ev.Kind = events.SubGift
		ev.GiftCount = 1
		ev.Recipient = msg.MsgParams["msg-param-recipient-display-name"]
		ev.Months = atoi(msg.MsgParams["msg-param-months"])
	case "submysterygift":
		ev.Kind = events.SubGift
		ev.GiftCount = atoi(msg.MsgParams["msg-param-mass-gift-count"])
	default:
		return
	}
	a.pub.Publish(ev)
}

func (a *Adapter) onClearChat(msg twitch.ClearChatMessage) {
	if msg.TargetUsername == "" {
		// whole chat cleared
		return
	}
	ev := events.ModerationEvent{
		Type:            events.Ban,
		Platform:        platform.Twitch,
		Username:        msg.TargetUsername,
		PlatformUserID:  msg.TargetUserID,
		TimestampMillis: millis(msg.Time),
	}
	if msg.BanDuration > 0 {
		ev.Type = events.Timeout
		ev.DurationSeconds = msg.BanDuration
	}
	a.pub.Publish(ev)
}

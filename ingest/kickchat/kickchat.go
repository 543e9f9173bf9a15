// Package kickchat ingests Kick chat from its Pusher websocket relay.
package kickchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maypok86/otter/v2"

	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/ingest"
	"github.com/onnwee/chatrelay/kickapi"
	"github.com/onnwee/chatrelay/platform"
)

const (
	// DefaultURL is Kick's public Pusher endpoint.
	DefaultURL = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0-rc2&flash=false"
	// DefaultReconnectDelay is the fixed wait between connection attempts.
	DefaultReconnectDelay = 5 * time.Second

	pingEvery   = 60 * time.Second
	readTimeout = 3 * time.Minute
)

// ChannelLookup resolves a channel slug to its chatroom.
type ChannelLookup interface {
	GetChannel(ctx context.Context, slug string) (*kickapi.Channel, error)
}

// Config configures the adapter.
type Config struct {
	Channel string // slug
	// ChatroomID is used when the channel lookup fails.
	ChatroomID     int
	URL            string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// Adapter is the Kick ingestion adapter.
type Adapter struct {
	cfg      Config
	lookup   ChannelLookup
	pub      ingest.Publisher
	activity *ingest.ActivitySignal
	rooms    *otter.Cache[string, int]

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ingest.Adapter = (*Adapter)(nil)

// New builds an adapter. lookup and activity may be nil.
func New(cfg Config, lookup ChannelLookup, pub ingest.Publisher, activity *ingest.ActivitySignal) *Adapter {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	cfg.Channel = strings.ToLower(cfg.Channel)
	return &Adapter{
		cfg:      cfg,
		lookup:   lookup,
		pub:      pub,
		activity: activity,
		rooms:    otter.Must(&otter.Options[string, int]{MaximumSize: 128}),
	}
}

func (a *Adapter) Name() platform.Platform { return platform.Kick }

// Start connects in the background and keeps reconnecting until Stop.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.Channel == "" && a.cfg.ChatroomID == 0 {
		return errors.New("kickchat: channel not configured")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return errors.New("kickchat: already started")
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ingest.Reconnect(ctx, platform.Kick, a.cfg.ReconnectDelay, a.session)
	}()
	return nil
}

// Stop closes the socket and waits for the reconnect loop to exit.
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

// resolveRoom returns the chatroom id: cached value, then channel lookup,
// then the configured override.
func (a *Adapter) resolveRoom(ctx context.Context) (int, error) {
	if id, ok := a.rooms.GetIfPresent(a.cfg.Channel); ok {
		return id, nil
	}
	var lookupErr error
	if a.lookup != nil && a.cfg.Channel != "" {
		ch, err := a.lookup.GetChannel(ctx, a.cfg.Channel)
		if err == nil && ch.Chatroom.ID > 0 {
			a.rooms.Set(a.cfg.Channel, ch.Chatroom.ID)
			return ch.Chatroom.ID, nil
		}
		lookupErr = err
		slog.Warn("kick chatroom lookup failed", slog.String("channel", a.cfg.Channel), slog.Any("err", err))
	}
	if a.cfg.ChatroomID > 0 {
		a.rooms.Set(a.cfg.Channel, a.cfg.ChatroomID)
		return a.cfg.ChatroomID, nil
	}
	if lookupErr == nil {
		lookupErr = errors.New("no lookup configured")
	}
	return 0, fmt.Errorf("resolve kick chatroom for %q: %w", a.cfg.Channel, lookupErr)
}

// session runs one websocket connection until it drops or ctx ends.
func (a *Adapter) session(ctx context.Context) error {
	ingest.Status(a.pub, platform.Kick, events.StateConnecting, a.cfg.Channel)
	room, err := a.resolveRoom(ctx)
	if err != nil {
		ingest.Status(a.pub, platform.Kick, events.StateDisconnected, err.Error())
		return err
	}
	conn, _, err := a.cfg.Dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		ingest.Status(a.pub, platform.Kick, events.StateDisconnected, err.Error())
		return fmt.Errorf("dial pusher: %w", err)
	}
	defer conn.Close()
	defer ingest.Status(a.pub, platform.Kick, events.StateDisconnected, "")

	var wmu sync.Mutex
	write := func(b []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, b)
	}

	sub, err := subscribeFrame(room)
	if err != nil {
		return err
	}
	if err := write(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-t.C:
				if err := write(pingFrame()); err != nil {
					slog.Debug("kick ping failed", slog.Any("err", err))
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		reply, err := a.handleFrame(raw)
		if err != nil {
			slog.Debug("kick frame skipped", slog.Any("err", err))
			continue
		}
		if reply != nil {
			if err := write(reply); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// handleFrame publishes what a frame carries and returns a reply frame when
// the protocol needs one.
func (a *Adapter) handleFrame(raw []byte) ([]byte, error) {
	var f frame
	if err := unwrap(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Event {
	case evPing:
		return pongFrame(), nil
	case evPong, evConnected:
	case evSubscribed:
		slog.Info("kick chat connected", slog.String("channel", f.Channel))
		ingest.Status(a.pub, platform.Kick, events.StateConnected, a.cfg.Channel)
	case evError:
		return nil, fmt.Errorf("pusher error: %s", string(f.Data))
	case evChatMessage:
		var d chatMessageData
		if err := unwrap(f.Data, &d); err != nil {
			return nil, fmt.Errorf("decode chat message: %w", err)
		}
		a.pub.Publish(d.toEvent(a.cfg.Channel))
		a.activity.Fire()
	case evUserBanned:
		var d bannedData
		if err := unwrap(f.Data, &d); err != nil {
			return nil, fmt.Errorf("decode ban: %w", err)
		}
		a.pub.Publish(d.toEvent())
	case evUserUnbanned:
		var d bannedData
		if err := unwrap(f.Data, &d); err != nil {
			return nil, fmt.Errorf("decode unban: %w", err)
		}
		ev := d.toEvent()
		ev.Type, ev.DurationSeconds = events.Unban, 0
		a.pub.Publish(ev)
	case evSubscription:
		var d subscriptionData
		if err := unwrap(f.Data, &d); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		kind := events.SubNew
		if d.Months > 1 {
			kind = events.SubRenew
		}
		a.pub.Publish(events.SubscriptionEvent{
			Kind: kind, Platform: platform.Kick, Username: d.Username, Months: d.Months, TimestampMillis: events.NowMillis(),
		})
	case evGiftedSubs:
		var d giftedData
		if err := unwrap(f.Data, &d); err != nil {
			return nil, fmt.Errorf("decode gifted subscriptions: %w", err)
		}
		ev := events.SubscriptionEvent{
			Kind: events.SubGift, Platform: platform.Kick, Username: d.GifterUsername,
			GiftCount: len(d.GiftedUsernames), TimestampMillis: events.NowMillis(),
		}
		if len(d.GiftedUsernames) == 1 {
			ev.Recipient = d.GiftedUsernames[0]
		}
		a.pub.Publish(ev)
	default:
		slog.Debug("kick event ignored", slog.String("event", f.Event))
	}
	return nil, nil
}

// RoomID returns the cached chatroom id, or 0.
func (a *Adapter) RoomID() int {
	id, _ := a.rooms.GetIfPresent(a.cfg.Channel)
	return id
}

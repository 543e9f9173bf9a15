// Package youtubechat ingests YouTube live chat by polling. Polling costs
// quota, so a small state machine decides when a broadcast is worth looking
// for and when its chat is worth reading.
package youtubechat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chatrelay/dedup"
	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/ingest"
	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/schedule"
	"github.com/onnwee/chatrelay/telemetry"
	"github.com/onnwee/chatrelay/youtubeapi"
)

const (
	DefaultSlowInterval = 5 * time.Minute
	DefaultFastInterval = 5 * time.Second
)

// API is the subset of the YouTube client the adapter calls.
type API interface {
	FindActiveChat(ctx context.Context) (*youtubeapi.Broadcast, error)
	ListMessages(ctx context.Context, chatID, pageToken string) (*youtubeapi.MessagePage, error)
}

// Config configures the adapter.
type Config struct {
	Channel      string // label only; the broadcast is found through the owner's token
	SlowInterval time.Duration
	FastInterval time.Duration
	// DedupSize bounds the processed-id window per session.
	DedupSize int
}

// session is the chat currently being read.
type session struct {
	videoID       string
	chatID        string
	pageToken     string
	lastAPICallAt time.Time
	seeded        bool
}

// Adapter is the YouTube ingestion adapter.
type Adapter struct {
	cfg      Config
	api      API
	breaker  *youtubeapi.Breaker
	pub      ingest.Publisher
	activity *ingest.ActivitySignal
	task     *schedule.Task

	mu        sync.Mutex
	state     events.StatusState
	sess      *session
	next      time.Duration
	seen      *dedup.Window
	watchStop chan struct{}
	wg        sync.WaitGroup
}

var _ ingest.Adapter = (*Adapter)(nil)

// New builds an adapter. breaker is the one shared with the API client and
// may be nil; activity may be nil.
func New(cfg Config, api API, breaker *youtubeapi.Breaker, pub ingest.Publisher, activity *ingest.ActivitySignal) *Adapter {
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = DefaultSlowInterval
	}
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = DefaultFastInterval
	}
	a := &Adapter{
		cfg:      cfg,
		api:      api,
		breaker:  breaker,
		pub:      pub,
		activity: activity,
		state:    events.StateIdle,
		seen:     dedup.New(cfg.DedupSize, 0),
	}
	a.task = schedule.New("youtube-liveness", a.interval, a.step)
	return a
}

func (a *Adapter) Name() platform.Platform { return platform.YouTube }

// Start runs the first liveness check immediately, then schedules the rest.
// The activity signal cuts the slow wait short.
func (a *Adapter) Start(ctx context.Context) error {
	if a.api == nil {
		return errors.New("youtubechat: no API client")
	}
	a.mu.Lock()
	if a.watchStop != nil {
		a.mu.Unlock()
		return errors.New("youtubechat: already started")
	}
	a.watchStop = make(chan struct{})
	stop := a.watchStop
	a.mu.Unlock()

	ingest.Status(a.pub, platform.YouTube, events.StateIdle, "")
	a.task.Start(ctx, true)
	if a.activity != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			select {
			case <-a.activity.C():
				if a.State() == events.StateIdle {
					slog.Info("chat activity elsewhere, checking youtube liveness now")
					a.task.Trigger()
				}
			case <-stop:
			case <-ctx.Done():
			}
		}()
	}
	return nil
}

// Stop halts polling and waits for an in-flight step.
func (a *Adapter) Stop() {
	a.mu.Lock()
	if a.watchStop != nil {
		close(a.watchStop)
		a.watchStop = nil
	}
	a.mu.Unlock()
	a.task.Stop()
	a.wg.Wait()
}

// State returns the current liveness state.
func (a *Adapter) State() events.StatusState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ActiveChatID returns the chat being polled, or "" when not live.
func (a *Adapter) ActiveChatID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return ""
	}
	return a.sess.chatID
}

func (a *Adapter) setState(s events.StatusState, detail string) {
	a.mu.Lock()
	changed := a.state != s
	a.state = s
	a.mu.Unlock()
	if changed {
		slog.Debug("youtube liveness state", slog.String("state", string(s)), slog.String("detail", detail))
		ingest.Status(a.pub, platform.YouTube, s, detail)
	}
}

// interval picks the wait before the next step from the current state.
func (a *Adapter) interval() time.Duration {
	if a.breaker != nil {
		if until := a.breaker.BlockedUntil(); !until.IsZero() {
			return max(time.Until(until), a.cfg.FastInterval)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case events.StateLive, events.StatePolling:
		return max(a.next, a.cfg.FastInterval)
	}
	return a.cfg.SlowInterval
}

// step advances the state machine by one API call at most.
func (a *Adapter) step(ctx context.Context) {
	if a.breaker != nil && a.breaker.Blocked() {
		a.reportQuota()
		return
	}
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()

	if sess == nil {
		a.detect(ctx)
		return
	}
	a.poll(ctx, sess)
}

// reportQuota moves to quota_blocked. The session, if any, is kept and
// resumes once the breaker reopens.
func (a *Adapter) reportQuota() {
	detail := ""
	if a.breaker != nil {
		if until := a.breaker.BlockedUntil(); !until.IsZero() {
			detail = "until " + until.UTC().Format(time.RFC3339)
		}
	}
	a.setState(events.StateQuotaBlocked, detail)
}

func (a *Adapter) detect(ctx context.Context) {
	a.setState(events.StateDetecting, "")
	b, err := a.api.FindActiveChat(ctx)
	switch {
	case err == nil:
		a.mu.Lock()
		a.sess = &session{videoID: b.VideoID, chatID: b.ChatID, lastAPICallAt: time.Now()}
		a.next = 0
		a.mu.Unlock()
		a.seen.Reset()
		slog.Info("youtube broadcast live", slog.String("video_id", b.VideoID), slog.String("title", b.Title))
		a.setState(events.StateLive, b.VideoID)
	case errors.Is(err, youtubeapi.ErrNotLive):
		a.setState(events.StateIdle, "")
	case errors.Is(err, youtubeapi.ErrQuotaExhausted), errors.Is(err, youtubeapi.ErrQuotaBlocked):
		a.reportQuota()
	default:
		slog.Warn("youtube liveness check failed", slog.Any("err", err))
		a.setState(events.StateIdle, err.Error())
	}
}

func (a *Adapter) endSession(reason string) {
	a.mu.Lock()
	a.sess = nil
	a.next = 0
	a.mu.Unlock()
	a.seen.Reset()
	a.setState(events.StateIdle, reason)
}

func (a *Adapter) poll(ctx context.Context, sess *session) {
	var (
		page *youtubeapi.MessagePage
		err  error
	)
	telemetry.TimeFunc(telemetry.PollDuration, func() {
		page, err = a.api.ListMessages(ctx, sess.chatID, sess.pageToken)
	})
	a.mu.Lock()
	sess.lastAPICallAt = time.Now()
	a.mu.Unlock()
	switch {
	case err == nil:
	case errors.Is(err, youtubeapi.ErrChatEnded):
		slog.Info("youtube live chat ended", slog.String("video_id", sess.videoID), slog.Any("err", err))
		a.endSession("chat ended")
		return
	case errors.Is(err, youtubeapi.ErrQuotaExhausted), errors.Is(err, youtubeapi.ErrQuotaBlocked):
		a.reportQuota()
		return
	default:
		// token failures included: the client already retried once
		slog.Warn("youtube chat poll failed", slog.Any("err", err))
		return
	}

	a.mu.Lock()
	publish := sess.seeded
	sess.seeded = true
	sess.pageToken = page.NextPageToken
	a.next = time.Duration(page.PollingIntervalMillis) * time.Millisecond
	a.mu.Unlock()

	for _, item := range page.Items {
		if item == nil || a.seen.Seen(platform.YouTube, item.Id) {
			continue
		}
		// the first page is backlog from before we joined
		if !publish {
			continue
		}
		if ev := convert(item, a.cfg.Channel); ev != nil {
			a.pub.Publish(ev)
		}
	}
	a.setState(events.StatePolling, sess.videoID)
}

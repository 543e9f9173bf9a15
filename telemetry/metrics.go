// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesIngested   *prometheus.CounterVec // platform
	DuplicatesDropped  *prometheus.CounterVec // platform
	CommandsProcessed  *prometheus.CounterVec // command, outcome
	SendsTotal         *prometheus.CounterVec // platform, result
	QueueDropped       prometheus.Counter
	Reconnects         *prometheus.CounterVec // platform
	QuotaBreakerTrips  prometheus.Counter
	NotificationsTotal *prometheus.CounterVec // result

	// Histograms (seconds)
	SendDuration *prometheus.HistogramVec // platform
	PollDuration prometheus.Observer

	// Gauges
	QueueDepthGauge   prometheus.Gauge
	QuotaBlockedGauge prometheus.Gauge     // 1=blocked,0=open
	PlatformState     *prometheus.GaugeVec // platform, state; 1 for the current state
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_messages_ingested_total", Help: "Canonical chat messages published per platform"}, []string{"platform"})
		DuplicatesDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_duplicates_dropped_total", Help: "Chat messages dropped by the dedup window"}, []string{"platform"})
		CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_commands_total", Help: "Chat commands seen, by outcome"}, []string{"command", "outcome"})
		SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_sends_total", Help: "Outbound send attempts by platform and result code"}, []string{"platform", "result"})
		QueueDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_queue_dropped_total", Help: "Queue entries abandoned after the retry cap"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_reconnects_total", Help: "Adapter reconnect attempts"}, []string{"platform"})
		QuotaBreakerTrips = promauto.NewCounter(prometheus.CounterOpts{Name: "chatrelay_youtube_quota_trips_total", Help: "Times the YouTube quota breaker was tripped"})
		NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatrelay_notifications_total", Help: "Webhook notifications by result"}, []string{"result"})
		SendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "chatrelay_send_duration_seconds", Help: "Outbound send duration seconds", Buckets: prometheus.DefBuckets}, []string{"platform"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatrelay_youtube_poll_duration_seconds", Help: "YouTube live chat poll duration seconds", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatrelay_queue_depth", Help: "Current number of undelivered queue entries"})
		QuotaBlockedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatrelay_youtube_quota_blocked", Help: "YouTube quota breaker blocked=1 open=0"})
		PlatformState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chatrelay_platform_state", Help: "Adapter state per platform, 1 for the current state"}, []string{"platform", "state"})
	})
}

// MessageIngested counts a published chat message.
func MessageIngested(platform string) {
	if MessagesIngested != nil {
		MessagesIngested.WithLabelValues(platform).Inc()
	}
}

// DuplicateDropped counts a message rejected by the dedup window.
func DuplicateDropped(platform string) {
	if DuplicatesDropped != nil {
		DuplicatesDropped.WithLabelValues(platform).Inc()
	}
}

// CommandSeen counts a command invocation with its outcome
// (accepted, unauthorized, duplicate, unknown).
func CommandSeen(command, outcome string) {
	if CommandsProcessed != nil {
		CommandsProcessed.WithLabelValues(command, outcome).Inc()
	}
}

// SendResult records one outbound send attempt.
func SendResult(platform, result string, d time.Duration) {
	if SendsTotal != nil {
		SendsTotal.WithLabelValues(platform, result).Inc()
	}
	if SendDuration != nil {
		SendDuration.WithLabelValues(platform).Observe(d.Seconds())
	}
}

// QueueEntryDropped counts an entry abandoned after the retry cap.
func QueueEntryDropped() {
	if QueueDropped != nil {
		QueueDropped.Inc()
	}
}

// SetQueueDepth records the current number of queued entries.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// Reconnect counts an adapter reconnect attempt.
func Reconnect(platform string) {
	if Reconnects != nil {
		Reconnects.WithLabelValues(platform).Inc()
	}
}

// Notification counts a webhook delivery result ("ok" or "error").
func Notification(result string) {
	if NotificationsTotal != nil {
		NotificationsTotal.WithLabelValues(result).Inc()
	}
}

// UpdateQuotaGauge sets the quota gauge to 1 if blocked else 0. A transition
// to blocked also counts a breaker trip.
func UpdateQuotaGauge(blocked, tripped bool) {
	if QuotaBlockedGauge != nil {
		if blocked {
			QuotaBlockedGauge.Set(1)
		} else {
			QuotaBlockedGauge.Set(0)
		}
	}
	if tripped && QuotaBreakerTrips != nil {
		QuotaBreakerTrips.Inc()
	}
}

var (
	stateMu   sync.Mutex
	lastState = map[string]string{}
)

// SetPlatformState moves the platform's state gauge to state.
func SetPlatformState(platform, state string) {
	if PlatformState == nil {
		return
	}
	stateMu.Lock()
	defer stateMu.Unlock()
	if prev, ok := lastState[platform]; ok && prev != state {
		PlatformState.WithLabelValues(platform, prev).Set(0)
	}
	lastState[platform] = state
	PlatformState.WithLabelValues(platform, state).Set(1)
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

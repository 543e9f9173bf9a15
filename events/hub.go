package events

import (
	"log/slog"

	"github.com/onnwee/chatrelay/dedup"
	"github.com/onnwee/chatrelay/telemetry"
)

// Hub owns the two process-wide buses: canonical chat/moderation events and
// platform status. Chat messages pass a dedup window before publication so a
// provider id is published at most once per platform within the window.
type Hub struct {
	Chat   *Bus[Event]
	Status *Bus[StatusEvent]

	seen *dedup.Window
}

// NewHub builds a hub whose dedup window remembers windowSize ids.
func NewHub(windowSize int) *Hub {
	return &Hub{
		Chat:   NewBus[Event]("chat"),
		Status: NewBus[StatusEvent]("status"),
		seen:   dedup.New(windowSize, 0),
	}
}

// Publish sends ev to chat subscribers, dropping duplicate chat messages.
// It reports whether the event was delivered.
func (h *Hub) Publish(ev Event) bool {
	if msg, ok := ev.(ChatMessage); ok {
		if h.seen.Seen(msg.Platform, msg.ID) {
			telemetry.DuplicateDropped(string(msg.Platform))
			slog.Debug("duplicate chat message dropped", slog.String("platform", string(msg.Platform)), slog.String("id", msg.ID))
			return false
		}
		telemetry.MessageIngested(string(msg.Platform))
	}
	h.Chat.Publish(ev)
	return true
}

// PublishStatus sends a status event, filling in the timestamp when missing.
func (h *Hub) PublishStatus(ev StatusEvent) {
	if ev.TimestampMillis == 0 {
		ev.TimestampMillis = NowMillis()
	}
	telemetry.SetPlatformState(string(ev.Platform), string(ev.State))
	h.Status.Publish(ev)
}

package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chatrelay/events"
	"github.com/onnwee/chatrelay/platform"
)

// streamBuffer is how many frames a slow client may lag before frames are dropped.
// The buses deliver synchronously, so a subscriber must never block.
const streamBuffer = 64

type sseFrame struct {
	event string
	data  []byte
}

// offer queues a frame without blocking the publisher.
func offer(ch chan<- sseFrame, event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to encode stream frame", slog.Any("err", err), slog.String("component", "http"))
		return
	}
	select {
	case ch <- sseFrame{event: event, data: b}:
	default:
		slog.Debug("stream client lagging, frame dropped", slog.String("event", event), slog.String("component", "http"))
	}
}

// platformFilter parses ?platform=twitch,kick; nil admits everything.
func platformFilter(r *http.Request) (map[platform.Platform]bool, error) {
	raw := r.URL.Query().Get("platform")
	if raw == "" {
		return nil, nil
	}
	out := make(map[platform.Platform]bool)
	for _, part := range strings.Split(raw, ",") {
		p, err := platform.Parse(part)
		if err != nil {
			return nil, err
		}
		out[p] = true
	}
	return out, nil
}

// HandleEvents streams canonical chat, moderation and subscription events as SSE.
// Each frame's event name is the event kind and its data the JSON envelope.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := platformFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ch := make(chan sseFrame, streamBuffer)
	unsubscribe := h.deps.Hub.Chat.Subscribe(func(ev events.Event) error {
		if filter != nil && !filter[ev.EventPlatform()] {
			return nil
		}
		offer(ch, string(ev.EventKind()), events.Wrap(ev))
		return nil
	})
	defer unsubscribe()
	h.stream(w, r, ch, nil)
}

// HandleStatusStream streams platform status events as SSE, starting with the last known
// state of every platform.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	filter, err := platformFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ch := make(chan sseFrame, streamBuffer)
	unsubscribe := h.deps.Hub.Status.Subscribe(func(ev events.StatusEvent) error {
		if filter != nil && !filter[ev.Platform] {
			return nil
		}
		offer(ch, "status", ev)
		return nil
	})
	defer unsubscribe()

	var initial []sseFrame
	if h.deps.Tracker != nil {
		snap := h.deps.Tracker.Snapshot()
		for _, p := range platform.All() {
			ev, ok := snap[p]
			if !ok || (filter != nil && !filter[p]) {
				continue
			}
			if b, err := json.Marshal(ev); err == nil {
				initial = append(initial, sseFrame{event: "status", data: b})
			}
		}
	}
	h.stream(w, r, ch, initial)
}

// stream writes frames until the client goes away.
func (h *Handlers) stream(w http.ResponseWriter, r *http.Request, ch <-chan sseFrame, initial []sseFrame) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// the server's write timeout would otherwise cut the stream
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	for _, f := range initial {
		if !writeFrame(w, f) {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-ch:
			if !writeFrame(w, f) {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				slog.Debug("stream heartbeat failed", slog.Any("err", err), slog.String("component", "http"))
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, f sseFrame) bool {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.event, f.data); err != nil {
		slog.Warn("failed to write SSE frame", slog.Any("err", err), slog.String("component", "http"))
		return false
	}
	return true
}

package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/chatrelay/platform"
)

// HandleHealthz responds to liveness probes. With a database configured it must answer a ping.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.DB.PingContext(ctx); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes: the database answers and every configured
// adapter last reported a working state.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	type check struct {
		name string
		fn   func() error
	}
	var checks []check
	if h.deps.DB != nil {
		checks = append(checks, check{"database", func() error {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			return h.deps.DB.PingContext(ctx)
		}})
	}
	for _, p := range h.deps.Platforms {
		checks = append(checks, check{"adapter:" + string(p), func() error {
			if h.deps.Tracker == nil || h.deps.Tracker.Healthy(p) {
				return nil
			}
			state := "unknown"
			if ev, ok := h.deps.Tracker.Snapshot()[p]; ok {
				state = string(ev.State)
			}
			return fmt.Errorf("%s adapter is %s", p, state)
		}})
	}

	states := map[platform.Platform]string{}
	if h.deps.Tracker != nil {
		for p, ev := range h.deps.Tracker.Snapshot() {
			states[p] = string(ev.State)
		}
	}

	for _, c := range checks {
		if err := c.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":       "not_ready",
				"failed_check": c.name,
				"error":        err.Error(),
				"platforms":    states,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "platforms": states})
}

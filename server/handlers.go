// Package server exposes the HTTP API handlers.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chatrelay/platform"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// SendLimiter is the outbound window shared with the queue. Direct sends consult it so
// operator traffic and queued traffic never exceed a platform's window together.
type SendLimiter interface {
	Reserve(p platform.Platform) (finish func(sent bool), ok bool)
	Remaining(p platform.Platform) int
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps      Deps
	heartbeat time.Duration
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps, opts Options) *Handlers {
	hb := opts.SSEHeartbeat
	if hb <= 0 {
		hb = 15 * time.Second
	}
	return &Handlers{deps: deps, heartbeat: hb}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err), slog.String("component", "http"))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

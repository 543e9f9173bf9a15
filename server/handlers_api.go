package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chatrelay/moderation"
	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/queue"
	"github.com/onnwee/chatrelay/relay"
	"github.com/onnwee/chatrelay/telemetry"
)

type sendRequest struct {
	Platform string `json:"platform"`
	Text     string `json:"text"`
}

type sendResponse struct {
	relay.SendResult
	Error string `json:"error,omitempty"`
}

// sendStatus maps a failed send to an HTTP status.
func sendStatus(code relay.ErrorCode) int {
	switch code {
	case relay.CodeTokenExpired:
		return http.StatusUnauthorized
	case relay.CodeRateLimited, relay.CodeQuotaExhausted:
		return http.StatusTooManyRequests
	case relay.CodeDisabled:
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

// HandleSend posts text on one platform as the identified user (X-User-ID), or as the
// channel owner when no user is named.
func (h *Handlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := platform.Parse(req.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		userID = h.deps.OwnerUserID
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "no user identified: set X-User-ID")
		return
	}

	finish := func(bool) {}
	if h.deps.Limiter != nil {
		f, ok := h.deps.Limiter.Reserve(p)
		if !ok {
			w.Header().Set("Retry-After", "5")
			writeJSON(w, http.StatusTooManyRequests, sendResponse{
				SendResult: relay.Fail(relay.CodeRateLimited, nil),
				Error:      "platform send window is full",
			})
			return
		}
		finish = f
	}

	log := telemetry.LoggerWithCorr(r.Context())
	res, err := h.deps.Relay.SendAsUser(r.Context(), userID, p, text)
	finish(res.Success)
	if res.Success {
		writeJSON(w, http.StatusOK, sendResponse{SendResult: res})
		return
	}

	out := sendResponse{SendResult: res}
	status := sendStatus(res.ErrorCode)
	switch {
	case errors.Is(err, relay.ErrReauthRequired):
		status, out.Error = http.StatusUnauthorized, "reauth_required"
	case errors.Is(err, relay.ErrNotLinked):
		status, out.Error = http.StatusNotFound, "not_linked"
	case err != nil:
		out.Error = err.Error()
	case res.Err != nil:
		out.Error = res.Err.Error()
	}
	log.Warn("send failed", slog.String("platform", string(p)), slog.String("user", userID),
		slog.String("code", string(res.ErrorCode)), slog.String("error", out.Error), slog.String("component", "http"))
	writeJSON(w, status, out)
}

type enqueueRequest struct {
	Text     string `json:"text"`
	Target   string `json:"target"`
	Priority string `json:"priority"`
}

// HandleEnqueue adds an operator message to the outbound queue.
func (h *Handlers) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	targets, err := platform.ExpandTargets(req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pr, err := queue.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.deps.Queue.Enqueue(req.Text, targets, pr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// HandleQueueSnapshot lists pending queue entries in delivery order, with each
// platform's free window slots (-1 when unlimited).
func (h *Handlers) HandleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	items := h.deps.Queue.Snapshot()
	if items == nil {
		items = []queue.Message{}
	}
	out := map[string]any{"depth": len(items), "items": items}
	if h.deps.Limiter != nil {
		remaining := make(map[platform.Platform]int)
		for _, p := range platform.All() {
			remaining[p] = h.deps.Limiter.Remaining(p)
		}
		out["window_remaining"] = remaining
	}
	writeJSON(w, http.StatusOK, out)
}

type moderationRequest struct {
	Platform        string `json:"platform"`
	UserID          string `json:"user_id"`
	Username        string `json:"username"`
	DurationSeconds int    `json:"duration_seconds"`
	Reason          string `json:"reason"`
}

// HandleModeration runs check, grant, revoke, ban or unban. An operation the platform
// cannot perform answers 200 with reason "unsupported".
func (h *Handlers) HandleModeration(w http.ResponseWriter, r *http.Request) {
	action, ok := moderation.ParseAction(r.PathValue("action"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown moderation action")
		return
	}
	if h.deps.Moderation == nil {
		writeError(w, http.StatusServiceUnavailable, "moderation not configured")
		return
	}
	var req moderationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := platform.Parse(req.Platform)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" && req.Username == "" {
		writeError(w, http.StatusBadRequest, "user_id or username is required")
		return
	}
	if req.DurationSeconds < 0 {
		writeError(w, http.StatusBadRequest, "duration_seconds must not be negative")
		return
	}
	target := moderation.Target{PlatformUserID: req.UserID, Username: req.Username}
	res := h.deps.Moderation.Do(r.Context(), action, p, target, req.DurationSeconds, req.Reason)
	writeJSON(w, http.StatusOK, res)
}

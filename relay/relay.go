// Package relay holds the per-platform send functions and the user-facing
// send entry point with its one-refresh token lifecycle.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/chatrelay/platform"
	"github.com/onnwee/chatrelay/store"
	"github.com/onnwee/chatrelay/telemetry"
)

// ErrorCode classifies a failed send.
type ErrorCode string

const (
	CodeTokenExpired   ErrorCode = "TOKEN_EXPIRED"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeDisabled       ErrorCode = "DISABLED"
	CodeUnknown        ErrorCode = "UNKNOWN"
	CodeQuotaExhausted ErrorCode = "QUOTA_EXHAUSTED"
)

// SendResult is the uniform outcome of a send.
type SendResult struct {
	Success   bool      `json:"success"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Err       error     `json:"-"`
}

// OK builds a successful result.
func OK(messageID string) SendResult { return SendResult{Success: true, MessageID: messageID} }

// Fail builds a failed result.
func Fail(code ErrorCode, err error) SendResult { return SendResult{ErrorCode: code, Err: err} }

// Sender posts text to one platform as the holder of account's token.
type Sender interface {
	Send(ctx context.Context, account *store.LinkedAccount, text string) SendResult
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, account *store.LinkedAccount, text string) SendResult

func (f SenderFunc) Send(ctx context.Context, a *store.LinkedAccount, text string) SendResult {
	return f(ctx, a, text)
}

// Refresher is the OAuth collaborator.
type Refresher interface {
	Refresh(ctx context.Context, userID string, p platform.Platform) (*store.LinkedAccount, error)
}

var (
	// ErrReauthRequired means the token was rejected even after a refresh;
	// the user has to link the account again.
	ErrReauthRequired = errors.New("relay: re-authentication required")
	// ErrNotLinked means the user has no account on the platform.
	ErrNotLinked = errors.New("relay: platform account not linked")
)

// Service dispatches sends to the registered per-platform senders.
type Service struct {
	senders   map[platform.Platform]Sender
	accounts  store.LinkedAccountStore
	refresher Refresher
	ownerID   string
}

// NewService builds the dispatcher. ownerID is the operator whose linked
// accounts post queued messages.
func NewService(accounts store.LinkedAccountStore, refresher Refresher, ownerID string, senders map[platform.Platform]Sender) *Service {
	s := &Service{
		senders:   make(map[platform.Platform]Sender, len(senders)),
		accounts:  accounts,
		refresher: refresher,
		ownerID:   ownerID,
	}
	for p, snd := range senders {
		if snd != nil {
			s.senders[p] = snd
		}
	}
	return s
}

// Send posts text with an explicit account. A platform without a sender
// reports DISABLED.
func (s *Service) Send(ctx context.Context, p platform.Platform, account *store.LinkedAccount, text string) SendResult {
	snd, ok := s.senders[p]
	if !ok {
		return Fail(CodeDisabled, fmt.Errorf("no sender for %s", p))
	}
	ctx, span := telemetry.StartPlatformSpan(ctx, "relay.send", string(p))
	defer span.End()
	start := time.Now()
	res := snd.Send(ctx, account, text)
	code := "OK"
	if !res.Success {
		code = string(res.ErrorCode)
		telemetry.RecordError(span, res.Err)
	}
	telemetry.SendResult(string(p), code, time.Since(start))
	return res
}

// SendAsUser posts text as userID on p. On TOKEN_EXPIRED it asks the
// refresher for exactly one refresh, retries once, and otherwise fails with
// ErrReauthRequired.
func (s *Service) SendAsUser(ctx context.Context, userID string, p platform.Platform, text string) (SendResult, error) {
	if _, ok := s.senders[p]; !ok {
		return Fail(CodeDisabled, nil), nil
	}
	acct, err := s.accounts.Get(ctx, userID, p)
	if errors.Is(err, store.ErrNotFound) {
		return Fail(CodeDisabled, err), fmt.Errorf("%w: %s", ErrNotLinked, p)
	}
	if err != nil {
		return Fail(CodeUnknown, err), err
	}

	res := s.Send(ctx, p, acct, text)
	if res.Success || res.ErrorCode != CodeTokenExpired {
		return res, nil
	}
	if s.refresher == nil {
		return res, ErrReauthRequired
	}

	log := telemetry.LoggerWithCorr(ctx)
	log.Info("send rejected token, refreshing once", slog.String("platform", string(p)), slog.String("user", userID))
	acct, err = s.refresher.Refresh(ctx, userID, p)
	if err != nil {
		log.Warn("token refresh failed", slog.String("platform", string(p)), slog.Any("err", err))
		return res, fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}
	res = s.Send(ctx, p, acct, text)
	if !res.Success && res.ErrorCode == CodeTokenExpired {
		return res, ErrReauthRequired
	}
	return res, nil
}

// Deliver sends as the operator; it is the queue's per-platform send hook.
func (s *Service) Deliver(ctx context.Context, p platform.Platform, text string) SendResult {
	res, err := s.SendAsUser(ctx, s.ownerID, p, text)
	if err != nil && res.Err == nil {
		res.Err = err
	}
	if errors.Is(err, ErrNotLinked) {
		res.ErrorCode = CodeDisabled
	}
	return res
}

// Platforms lists the platforms with a registered sender.
func (s *Service) Platforms() []platform.Platform {
	var out []platform.Platform
	for _, p := range platform.All() {
		if _, ok := s.senders[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

package youtubeapi

import (
	"sync"
	"time"

	"github.com/onnwee/chatrelay/telemetry"
)

// DefaultQuotaCooldown is how long a quota failure blocks every call.
const DefaultQuotaCooldown = time.Hour

// Breaker is the process-wide quota flag. Once tripped, all YouTube API
// calls are refused until the cooldown elapses.
type Breaker struct {
	mu       sync.Mutex
	until    time.Time
	cooldown time.Duration
	now      func() time.Time
}

// NewBreaker builds a breaker. cooldown <= 0 uses DefaultQuotaCooldown.
func NewBreaker(cooldown time.Duration) *Breaker {
	if cooldown <= 0 {
		cooldown = DefaultQuotaCooldown
	}
	return &Breaker{cooldown: cooldown, now: time.Now}
}

// SetClock replaces time.Now, for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Trip blocks calls for the cooldown. Tripping an already open breaker
// extends it.
func (b *Breaker) Trip() {
	b.mu.Lock()
	wasBlocked := b.now().Before(b.until)
	b.until = b.now().Add(b.cooldown)
	b.mu.Unlock()
	telemetry.UpdateQuotaGauge(true, !wasBlocked)
}

// BlockedUntil returns the end of the current block, or the zero time.
func (b *Breaker) BlockedUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.until.IsZero() {
		return time.Time{}
	}
	if !b.now().Before(b.until) {
		b.until = time.Time{}
		telemetry.UpdateQuotaGauge(false, false)
		return time.Time{}
	}
	return b.until
}

// Blocked reports whether calls are currently refused.
func (b *Breaker) Blocked() bool { return !b.BlockedUntil().IsZero() }

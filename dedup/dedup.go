// Package dedup keeps a bounded window of recently seen provider message ids.
package dedup

import (
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/onnwee/chatrelay/platform"
)

// DefaultSize is the number of ids remembered per window when no size is given.
const DefaultSize = 5000

// Window remembers recently seen (platform, id) pairs. It is size capped; the
// least valuable entries are evicted first once the cap is reached.
type Window struct {
	mu    sync.Mutex
	cache *otter.Cache[string, struct{}]
}

// New creates a window holding at most size ids. A positive ttl additionally
// forgets ids that have not been written for that long.
func New(size int, ttl time.Duration) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	opts := &otter.Options[string, struct{}]{
		MaximumSize:     size,
		InitialCapacity: min(size, 1024),
	}
	if ttl > 0 {
		opts.ExpiryCalculator = otter.ExpiryWriting[string, struct{}](ttl)
	}
	return &Window{cache: otter.Must(opts)}
}

func key(p platform.Platform, id string) string { return string(p) + ":" + id }

// Seen records the pair and reports whether it had already been recorded.
// Empty ids are never considered duplicates.
func (w *Window) Seen(p platform.Platform, id string) bool {
	if id == "" {
		return false
	}
	k := key(p, id)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.cache.GetIfPresent(k); ok {
		return true
	}
	w.cache.Set(k, struct{}{})
	return false
}

// Forget drops a pair so it can be seen again.
func (w *Window) Forget(p platform.Platform, id string) {
	w.cache.Invalidate(key(p, id))
}

// Reset clears the whole window.
func (w *Window) Reset() {
	w.cache.InvalidateAll()
}

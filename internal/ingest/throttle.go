package ingest

import (
	"sync"
	"time"
)

// decodeErrorLogThrottle caps how many "dropping malformed frame" lines the
// consumer writes per rolling window, so a sustained burst of bad messages
// from a misbehaving producer cannot flood the log. Every malformed message
// still increments Metrics.decodeErrors; this only bounds the logging.
// Unlike a sliding log of individual event timestamps, the count resets at
// a fixed window boundary: coarse burst suppression is all a log-flood
// guard needs, and a reset counter avoids retaining a timestamp per event.
type decodeErrorLogThrottle struct {
	window       time.Duration
	maxPerWindow int
	now          func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// newDecodeErrorLogThrottle constructs a throttle allowing up to
// maxPerWindow log lines per window. now defaults to time.Now.
func newDecodeErrorLogThrottle(window time.Duration, maxPerWindow int, now func() time.Time) *decodeErrorLogThrottle {
	if now == nil {
		now = time.Now
	}
	return &decodeErrorLogThrottle{window: window, maxPerWindow: maxPerWindow, now: now}
}

// allowLog reports whether the caller may emit another decode-error log
// line in the current window, advancing to a fresh window if the prior one
// has elapsed.
func (t *decodeErrorLogThrottle) allowLog() bool {
	if t == nil || t.maxPerWindow <= 0 || t.window <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.windowStart.IsZero() || now.Sub(t.windowStart) >= t.window {
		t.windowStart = now
		t.count = 0
	}
	if t.count >= t.maxPerWindow {
		return false
	}
	t.count++
	return true
}

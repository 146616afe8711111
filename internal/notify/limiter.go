package notify

import (
	"sync"
	"time"

	"alertcore/internal/clock"
)

// slidingWindow keeps accepted request timestamps inside one window.
type slidingWindow struct {
	limit  int
	window time.Duration
	hits   []time.Time
}

func (w *slidingWindow) prune(now time.Time) {
	keep := 0
	for keep < len(w.hits) && now.Sub(w.hits[keep]) >= w.window {
		keep++
	}
	if keep > 0 {
		w.hits = append(w.hits[:0], w.hits[keep:]...)
	}
}

func (w *slidingWindow) allows() bool {
	return w.limit <= 0 || len(w.hits) < w.limit
}

func (w *slidingWindow) remaining() int {
	if w.limit <= 0 {
		return -1
	}
	return w.limit - len(w.hits)
}

// RateLimiter enforces independent per-minute and per-hour ceilings over sliding windows.
// Params: limits (0 disables a ceiling) and clock.
// Returns: limiter consulted by channel gate.
type RateLimiter struct {
	mu     sync.Mutex
	minute slidingWindow
	hour   slidingWindow
	clock  clock.Clock
}

// NewRateLimiter creates sliding-window limiter.
func NewRateLimiter(perMinute, perHour int, clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		minute: slidingWindow{limit: perMinute, window: time.Minute},
		hour:   slidingWindow{limit: perHour, window: time.Hour},
		clock:  clock.OrReal(clk),
	}
}

// Allow records one request when both windows have room.
// Params: none.
// Returns: false without recording when any ceiling is reached.
func (l *RateLimiter) Allow() bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minute.prune(now)
	l.hour.prune(now)
	if !l.minute.allows() || !l.hour.allows() {
		return false
	}
	if l.minute.limit > 0 {
		l.minute.hits = append(l.minute.hits, now)
	}
	if l.hour.limit > 0 {
		l.hour.hits = append(l.hour.hits, now)
	}
	return true
}

// Remaining returns free slots per window; -1 means unlimited.
func (l *RateLimiter) Remaining() (perMinute, perHour int) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minute.prune(now)
	l.hour.prune(now)
	return l.minute.remaining(), l.hour.remaining()
}

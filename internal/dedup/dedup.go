// Package dedup suppresses repeated alerts within a time window.
package dedup

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"alertcore/internal/clock"
	"alertcore/internal/domain"
	"alertcore/internal/logging"
)

// Strategy selects fingerprint source.
type Strategy string

const (
	ByContent Strategy = "content"
	ByLabels  Strategy = "labels"

	defaultWindow     = 5 * time.Minute
	defaultMaxEntries = 10000
)

var fingerprintLabels = []string{"alertname", "service", "instance", "severity"}

// FingerprintFunc overrides built-in fingerprint strategies.
type FingerprintFunc func(domain.NotificationMessage) (string, error)

// Entry tracks one fingerprint occurrence series.
type Entry struct {
	Fingerprint string
	FirstSeen   time.Time
	LastSeen    time.Time
	Count       int
	Original    domain.NotificationMessage
}

// Options configures deduplicator.
// Params: default strategy, window, max table size, optional custom fingerprint, clock, and logger.
// Returns: deduplicator settings.
type Options struct {
	Strategy    Strategy
	Window      time.Duration
	MaxEntries  int
	Fingerprint FingerprintFunc
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Deduplicator keeps fingerprint table with window-based expiry and size cap.
type Deduplicator struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	opts       Options
	clock      clock.Clock
	logger     *slog.Logger
	suppressed int64
	failOpen   int64
}

// New constructs deduplicator.
func New(opts Options) *Deduplicator {
	if opts.Strategy == "" {
		opts.Strategy = ByContent
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	return &Deduplicator{
		entries: make(map[string]*Entry),
		opts:    opts,
		clock:   clock.OrReal(opts.Clock),
		logger:  logging.OrDiscard(opts.Logger),
	}
}

// Fingerprint computes message fingerprint under strategy.
// Params: message and strategy (custom function wins when configured).
// Returns: hex sha1 fingerprint or error.
func (d *Deduplicator) Fingerprint(msg domain.NotificationMessage, strategy Strategy) (string, error) {
	if d.opts.Fingerprint != nil {
		return d.opts.Fingerprint(msg)
	}
	var source string
	switch strategy {
	case ByContent:
		keys := make([]string, 0, len(msg.Labels))
		for key := range msg.Labels {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, key := range keys {
			pairs = append(pairs, key+"="+msg.Labels[key])
		}
		source = strings.Join([]string{msg.Title, msg.Message, string(msg.Severity), strings.Join(pairs, ",")}, "|")
	case ByLabels:
		pairs := make([]string, 0, len(fingerprintLabels))
		for _, key := range fingerprintLabels {
			value := msg.Labels[key]
			if key == "severity" && value == "" {
				value = string(msg.Severity)
			}
			pairs = append(pairs, key+"="+value)
		}
		source = strings.Join(pairs, "|")
	default:
		return "", fmt.Errorf("unsupported dedup strategy %q", strategy)
	}
	sum := sha1.Sum([]byte(source))
	return hex.EncodeToString(sum[:]), nil
}

// IsDuplicate reports whether message repeats a fingerprint seen within window.
// Params: message.
// Returns: true for suppressed duplicate; false for new or on internal failure (fail open).
func (d *Deduplicator) IsDuplicate(msg domain.NotificationMessage) bool {
	return d.IsDuplicateWith(msg, d.opts.Strategy)
}

// IsDuplicateWith is IsDuplicate with per-call strategy.
func (d *Deduplicator) IsDuplicateWith(msg domain.NotificationMessage, strategy Strategy) (duplicate bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("dedup fingerprint panicked; treating alert as new", "alert_id", msg.AlertID, "panic", recovered)
			d.mu.Lock()
			d.failOpen++
			d.mu.Unlock()
			duplicate = false
		}
	}()

	fingerprint, err := d.Fingerprint(msg, strategy)
	if err != nil {
		d.logger.Warn("dedup fingerprint failed; treating alert as new", "alert_id", msg.AlertID, "error", err)
		d.mu.Lock()
		d.failOpen++
		d.mu.Unlock()
		return false
	}

	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.entries[fingerprint]; ok {
		if now.Sub(entry.LastSeen) <= d.opts.Window {
			entry.LastSeen = now
			entry.Count++
			d.suppressed++
			return true
		}
		delete(d.entries, fingerprint)
	}
	d.entries[fingerprint] = &Entry{
		Fingerprint: fingerprint,
		FirstSeen:   now,
		LastSeen:    now,
		Count:       1,
		Original:    msg.Clone(),
	}
	if len(d.entries) > d.opts.MaxEntries {
		d.evictLocked(now)
	}
	return false
}

// Entry returns snapshot of fingerprint entry.
func (d *Deduplicator) Entry(fingerprint string) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[fingerprint]
	if !ok {
		return Entry{}, false
	}
	out := *entry
	out.Original = entry.Original.Clone()
	return out, true
}

// Cleanup purges entries outside the window.
// Returns: number of purged entries.
func (d *Deduplicator) Cleanup() int {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.purgeExpiredLocked(now)
}

func (d *Deduplicator) purgeExpiredLocked(now time.Time) int {
	removed := 0
	for fingerprint, entry := range d.entries {
		if now.Sub(entry.LastSeen) > d.opts.Window {
			delete(d.entries, fingerprint)
			removed++
		}
	}
	return removed
}

// evictLocked purges expired entries, then strictly oldest last_seen until at cap.
func (d *Deduplicator) evictLocked(now time.Time) {
	d.purgeExpiredLocked(now)
	if len(d.entries) <= d.opts.MaxEntries {
		return
	}
	ordered := make([]*Entry, 0, len(d.entries))
	for _, entry := range d.entries {
		ordered = append(ordered, entry)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].LastSeen.Before(ordered[j].LastSeen)
	})
	for _, entry := range ordered[:len(ordered)-d.opts.MaxEntries] {
		delete(d.entries, entry.Fingerprint)
	}
}

// Stats returns side-effect free deduplicator snapshot.
func (d *Deduplicator) Stats() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{
		"strategy":    string(d.opts.Strategy),
		"window_sec":  d.opts.Window.Seconds(),
		"max_entries": d.opts.MaxEntries,
		"entries":     len(d.entries),
		"suppressed":  d.suppressed,
		"fail_open":   d.failOpen,
	}
}

package dedup

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"alertcore/internal/clock"
	"alertcore/internal/domain"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func message(title string, labels map[string]string) domain.NotificationMessage {
	return domain.NotificationMessage{Title: title, Message: "m", Severity: domain.SeverityHigh, Labels: labels}
}

func TestIsDuplicateIdempotence(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		clk := clock.NewManual(t0)
		d := New(Options{Window: time.Minute, Clock: clk})
		n := rapid.IntRange(1, 50).Draw(rt, "n")
		msg := message(rapid.String().Draw(rt, "title"), map[string]string{"service": "api"})

		newCount, dupCount := 0, 0
		for i := 0; i < n; i++ {
			if d.IsDuplicate(msg) {
				dupCount++
			} else {
				newCount++
			}
			clk.Advance(time.Duration(rapid.IntRange(0, 1000).Draw(rt, "step_ms")) * time.Millisecond)
		}
		if newCount != 1 || dupCount != n-1 {
			rt.Fatalf("expected 1 new and %d duplicates, got %d/%d", n-1, newCount, dupCount)
		}
		fingerprint, err := d.Fingerprint(msg, ByContent)
		if err != nil {
			rt.Fatalf("fingerprint: %v", err)
		}
		entry, ok := d.Entry(fingerprint)
		if !ok || entry.Count != n {
			rt.Fatalf("expected count %d, got %+v", n, entry)
		}
	})
}

func TestExpiredEntryIsResetNotIncremented(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(t0)
	d := New(Options{Window: time.Minute, Clock: clk})
	msg := message("a", nil)

	require.False(t, d.IsDuplicate(msg))
	clk.Advance(30 * time.Second)
	require.True(t, d.IsDuplicate(msg))
	clk.Advance(61 * time.Second)
	require.False(t, d.IsDuplicate(msg), "window elapsed since last_seen")

	fingerprint, _ := d.Fingerprint(msg, ByContent)
	entry, _ := d.Entry(fingerprint)
	require.Equal(t, 1, entry.Count)
	require.True(t, entry.FirstSeen.Equal(clk.Now()))
}

func TestFingerprintStrategies(t *testing.T) {
	t.Parallel()

	d := New(Options{})
	a := message("a", map[string]string{"alertname": "cpu", "service": "api", "pod": "p1"})
	b := message("b", map[string]string{"alertname": "cpu", "service": "api", "pod": "p2"})

	contentA, _ := d.Fingerprint(a, ByContent)
	contentB, _ := d.Fingerprint(b, ByContent)
	require.NotEqual(t, contentA, contentB)

	labelsA, _ := d.Fingerprint(a, ByLabels)
	labelsB, _ := d.Fingerprint(b, ByLabels)
	require.Equal(t, labelsA, labelsB, "labels strategy ignores title and non-identity labels")

	require.False(t, d.IsDuplicateWith(a, ByLabels))
	require.True(t, d.IsDuplicateWith(b, ByLabels))

	_, err := d.Fingerprint(a, "bogus")
	require.Error(t, err)
}

func TestFailsOpen(t *testing.T) {
	t.Parallel()

	erroring := New(Options{Fingerprint: func(domain.NotificationMessage) (string, error) { return "", errors.New("boom") }})
	require.False(t, erroring.IsDuplicate(message("a", nil)))
	require.False(t, erroring.IsDuplicate(message("a", nil)))

	panicking := New(Options{Fingerprint: func(domain.NotificationMessage) (string, error) { panic("boom") }})
	require.False(t, panicking.IsDuplicate(message("a", nil)))
	require.EqualValues(t, 1, panicking.Stats()["fail_open"])
}

func TestEvictionPurgesExpiredThenOldest(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(t0)
	d := New(Options{Window: time.Minute, MaxEntries: 3, Clock: clk})

	require.False(t, d.IsDuplicate(message("stale", nil)))
	clk.Advance(2 * time.Minute)
	for i := 0; i < 3; i++ {
		require.False(t, d.IsDuplicate(message(fmt.Sprint("fresh", i), nil)))
		clk.Advance(time.Second)
	}
	require.Equal(t, 3, d.Stats()["entries"], "stale entry purged first")

	require.False(t, d.IsDuplicate(message("newest", nil)))
	require.Equal(t, 3, d.Stats()["entries"])
	fresh0, _ := d.Fingerprint(message("fresh0", nil), ByContent)
	_, ok := d.Entry(fresh0)
	require.False(t, ok, "oldest last_seen evicted")
	fresh1, _ := d.Fingerprint(message("fresh1", nil), ByContent)
	_, ok = d.Entry(fresh1)
	require.True(t, ok)
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(t0)
	d := New(Options{Window: time.Minute, Clock: clk})
	d.IsDuplicate(message("a", nil))
	clk.Advance(2 * time.Minute)
	require.Equal(t, 1, d.Cleanup())
}

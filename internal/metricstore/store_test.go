package metricstore

import (
	"testing"
	"time"

	"alertcore/internal/clock"
	"alertcore/internal/domain"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func point(offset time.Duration, v float64) domain.MetricDataPoint {
	return domain.MetricDataPoint{Timestamp: t0.Add(offset), Value: domain.Number(v)}
}

func TestAppendKeepsTimestampOrder(t *testing.T) {
	t.Parallel()

	store := New(Options{})
	store.Append("m", point(2*time.Second, 2))
	store.Append("m", point(0, 0))
	store.Append("m", point(time.Second, 1))

	points := store.Points("m")
	require.Len(t, points, 3)
	for i, p := range points {
		v, _ := p.Value.Float()
		require.Equal(t, float64(i), v)
	}
	require.Empty(t, store.Points("other"))
	require.Equal(t, []string{"m"}, store.Metrics())
}

func TestMaxPointsAndMaxAge(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(t0.Add(10 * time.Second))
	store := New(Options{MaxPoints: 3, MaxAge: 5 * time.Second, Clock: clk})
	for i := 0; i < 10; i++ {
		store.Append("m", point(time.Duration(i)*time.Second, float64(i)))
	}
	points := store.Points("m")
	require.Len(t, points, 3)
	first, _ := points[0].Value.Float()
	require.Equal(t, 7.0, first)

	clk.Advance(time.Minute)
	require.Empty(t, store.Points("m"))
	require.Equal(t, 3, store.Prune())
	require.Empty(t, store.Metrics())
}

func TestPointsAreDetached(t *testing.T) {
	t.Parallel()

	store := New(Options{})
	store.AppendEvent(domain.MetricEvent{Metric: "m", DT: t0.UnixMilli(), Value: domain.Number(1), Labels: map[string]string{"a": "b"}})
	points := store.Source()("m")
	points[0].Value = domain.Number(99)
	again := store.Points("m")
	v, _ := again[0].Value.Float()
	require.Equal(t, 1.0, v)
	require.Equal(t, "b", again[0].Labels["a"])
}

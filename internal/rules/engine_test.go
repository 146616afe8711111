package rules

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alertcore/internal/alerterr"
	"alertcore/internal/clock"
	"alertcore/internal/condition"
	"alertcore/internal/config"
	"alertcore/internal/domain"

	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newRule(t *testing.T, name, metric string, threshold float64, forDuration time.Duration) *Rule {
	t.Helper()
	rule, err := New(Config{
		Name: name,
		Condition: condition.Condition{
			MetricName:  metric,
			Operator:    condition.OpGT,
			Threshold:   domain.Number(threshold),
			Aggregation: condition.AggLast,
			Window:      time.Minute,
		},
		Severity:    domain.SeverityHigh,
		ForDuration: forDuration,
		Enabled:     true,
	})
	require.NoError(t, err)
	return rule
}

// valueSource returns one point at current clock time with mutable value.
type valueSource struct {
	clock *clock.Manual
	value atomic.Value
}

func (s *valueSource) set(v float64) { s.value.Store(v) }

func (s *valueSource) points(string) []domain.MetricDataPoint {
	return []domain.MetricDataPoint{{Timestamp: s.clock.Now(), Value: domain.Number(s.value.Load().(float64))}}
}

func TestRuleForDurationHysteresis(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(start)
	rule := newRule(t, "latency", "latency", 1, 2*time.Second)
	src := &valueSource{clock: clk}
	src.set(5)

	_, firing, err := rule.Evaluate(src.points("latency"), clk.Now())
	require.NoError(t, err)
	require.False(t, firing, "after evaluation 1")
	require.NotNil(t, rule.Snapshot().FiringSince)

	clk.Advance(time.Second)
	_, firing, err = rule.Evaluate(src.points("latency"), clk.Now())
	require.NoError(t, err)
	require.False(t, firing, "after evaluation 2 (1s elapsed)")

	clk.Advance(time.Second)
	wasFiring, firing, err := rule.Evaluate(src.points("latency"), clk.Now())
	require.NoError(t, err)
	require.False(t, wasFiring)
	require.True(t, firing, "after evaluation 3 (2s elapsed)")

	state := rule.Snapshot()
	require.Equal(t, 3, state.ConsecutiveTrue)
	require.True(t, state.FiringSince.Equal(start))

	src.set(0)
	clk.Advance(time.Second)
	wasFiring, firing, err = rule.Evaluate(src.points("latency"), clk.Now())
	require.NoError(t, err)
	require.True(t, wasFiring)
	require.False(t, firing)
	state = rule.Snapshot()
	require.Nil(t, state.FiringSince)
	require.NotNil(t, state.ResolvedAt)
	require.Equal(t, 0, state.ConsecutiveTrue)
	require.Equal(t, 1, state.ConsecutiveFalse)
}

func TestRuleNoDataAndErrorsKeepStreaks(t *testing.T) {
	t.Parallel()

	rule := newRule(t, "r", "m", 1, 0)
	_, _, err := rule.Evaluate([]domain.MetricDataPoint{{Timestamp: start, Value: domain.Number(2)}}, start)
	require.NoError(t, err)

	_, firing, err := rule.Evaluate(nil, start.Add(time.Second))
	require.NoError(t, err)
	require.True(t, firing, "no data must not clear firing")

	_, firing, err = rule.Evaluate([]domain.MetricDataPoint{{Timestamp: start, Value: domain.String("x")}}, start.Add(2*time.Second))
	require.Error(t, err)
	require.True(t, firing)

	state := rule.Snapshot()
	require.Equal(t, 1, state.ConsecutiveTrue)
	require.Equal(t, 1, state.ErrorCount)
	require.Equal(t, 3, state.EvaluationCount)
	require.Equal(t, ResultError, state.LastResult)
}

func TestEngineFiresEdgeTriggeredCallbacks(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(start)
	engine := NewEngine(Options{Clock: clk, Workers: 2})
	require.NoError(t, engine.AddRule(newRule(t, "cpu", "cpu", 80, 0)))
	src := &valueSource{clock: clk}
	src.set(95)
	engine.RegisterSource("cpu", src.points)

	var fired, resolved atomic.Int32
	engine.AddAlertCallback(func(_ context.Context, tr Transition) {
		require.Equal(t, "cpu", tr.Rule.Name)
		fired.Add(1)
	})
	engine.AddAlertCallback(func(context.Context, Transition) { panic("subscriber bug") })
	engine.AddResolveCallback(func(context.Context, Transition) { resolved.Add(1) })

	ctx := context.Background()
	require.NoError(t, engine.EvaluateAll(ctx))
	clk.Advance(time.Second)
	require.NoError(t, engine.EvaluateAll(ctx))
	require.EqualValues(t, 1, fired.Load(), "firing callback must run once per transition")

	src.set(10)
	clk.Advance(time.Second)
	require.NoError(t, engine.EvaluateAll(ctx))
	require.EqualValues(t, 1, resolved.Load())
}

func TestEngineFiresOnceWhenForDurationElapses(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(start)
	engine := NewEngine(Options{Clock: clk})
	require.NoError(t, engine.AddRule(newRule(t, "latency", "latency", 1, 2*time.Second)))
	src := &valueSource{clock: clk}
	src.set(5)
	engine.RegisterSource("latency", src.points)

	var fired, resolved atomic.Int32
	var firedAt time.Time
	var latched bool
	engine.AddAlertCallback(func(_ context.Context, tr Transition) {
		firedAt = tr.At
		latched = tr.State.Firing
		fired.Add(1)
	})
	engine.AddResolveCallback(func(context.Context, Transition) { resolved.Add(1) })

	ctx := context.Background()
	for tick := 0; tick < 5; tick++ {
		require.NoError(t, engine.EvaluateAll(ctx))
		if tick < 2 {
			require.Zero(t, fired.Load(), "pending at tick %d", tick)
		} else {
			require.EqualValues(t, 1, fired.Load(), "tick %d", tick)
		}
		clk.Advance(time.Second)
	}
	require.True(t, firedAt.Equal(start.Add(2*time.Second)), "fired at %s", firedAt)
	require.True(t, latched)
	require.Zero(t, resolved.Load())

	src.set(0)
	require.NoError(t, engine.EvaluateAll(ctx))
	clk.Advance(time.Second)
	require.NoError(t, engine.EvaluateAll(ctx))
	require.EqualValues(t, 1, resolved.Load())
	require.EqualValues(t, 1, fired.Load())
}

func TestRulePendingResolveDoesNotReportFiring(t *testing.T) {
	t.Parallel()

	rule := newRule(t, "latency", "latency", 1, 2*time.Second)
	high := []domain.MetricDataPoint{{Timestamp: start, Value: domain.Number(5)}}
	low := []domain.MetricDataPoint{{Timestamp: start.Add(6 * time.Minute), Value: domain.Number(0)}}

	_, firing, err := rule.Evaluate(high, start)
	require.NoError(t, err)
	require.False(t, firing)

	// NO_DATA after the hold time leaves the latch alone.
	wasFiring, firing, err := rule.Evaluate(nil, start.Add(5*time.Minute))
	require.NoError(t, err)
	require.False(t, wasFiring)
	require.False(t, firing)

	wasFiring, firing, err = rule.Evaluate(low, start.Add(6*time.Minute))
	require.NoError(t, err)
	require.False(t, wasFiring, "pending rule never fired")
	require.False(t, firing)
	require.Nil(t, rule.Snapshot().FiringSince)
}

func TestEngineIsolatesRuleFailures(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(start)
	engine := NewEngine(Options{Clock: clk})
	require.NoError(t, engine.AddRule(newRule(t, "missing", "nope", 1, 0)))
	require.NoError(t, engine.AddRule(newRule(t, "panics", "boom", 1, 0)))
	require.NoError(t, engine.AddRule(newRule(t, "ok", "ok", 1, 0)))
	engine.RegisterSource("boom", func(string) []domain.MetricDataPoint { panic("source exploded") })
	engine.RegisterSource("ok", func(string) []domain.MetricDataPoint {
		return []domain.MetricDataPoint{{Timestamp: start, Value: domain.Number(3)}}
	})

	var fired atomic.Int32
	engine.AddAlertCallback(func(context.Context, Transition) { fired.Add(1) })

	err := engine.EvaluateAll(context.Background())
	require.Error(t, err)
	require.True(t, alerterr.IsKind(err, alerterr.KindRule))
	require.EqualValues(t, 1, fired.Load())

	missing, _ := engine.Rule("missing")
	panics, _ := engine.Rule("panics")
	require.Equal(t, 1, missing.Snapshot().ErrorCount)
	require.Equal(t, 1, panics.Snapshot().ErrorCount)
}

func TestEngineHonorsDisabledRulesAndOwnInterval(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(start)
	engine := NewEngine(Options{Clock: clk})
	slow := newRule(t, "slow", "m", 1, 0)
	slow.cfg.EvaluationInterval = time.Minute
	require.NoError(t, engine.AddRule(slow))
	require.NoError(t, engine.AddRule(newRule(t, "off", "m", 1, 0)))
	require.NoError(t, engine.SetRuleEnabled("off", false))
	require.Error(t, engine.SetRuleEnabled("unknown", true))

	var calls atomic.Int32
	engine.RegisterSource("m", func(string) []domain.MetricDataPoint {
		calls.Add(1)
		return nil
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, engine.EvaluateAll(context.Background()))
		clk.Advance(20 * time.Second)
	}
	require.EqualValues(t, 1, calls.Load(), "slow rule evaluated once within its interval; disabled rule never")

	clk.Advance(time.Minute)
	require.NoError(t, engine.EvaluateAll(context.Background()))
	require.EqualValues(t, 2, calls.Load())
}

func TestEngineRejectsDuplicateRule(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Options{})
	require.NoError(t, engine.AddRule(newRule(t, "dup", "m", 1, 0)))
	require.Error(t, engine.AddRule(newRule(t, "dup", "m", 1, 0)))
}

func TestEngineStartStop(t *testing.T) {
	t.Parallel()

	engine := NewEngine(Options{Interval: 10 * time.Millisecond})
	require.NoError(t, engine.AddRule(newRule(t, "r", "m", 1, 0)))

	var (
		mu    sync.Mutex
		calls int
	)
	engine.RegisterSource("m", func(string) []domain.MetricDataPoint {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	require.NoError(t, engine.Start(context.Background()))
	require.Error(t, engine.Start(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, 2*time.Second, 5*time.Millisecond)
	engine.Stop()

	mu.Lock()
	after := calls
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, after, calls, "no evaluations after Stop")
	require.Equal(t, false, engine.Stats()["running"])
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	cfg, err := FromConfig(config.RuleConfig{
		Name: "disk", Metric: "disk", Operator: "gte", Threshold: int64(90), Aggregation: "max",
		WindowSec: 60, Severity: "critical", ForSec: 120,
	})
	require.NoError(t, err)
	require.Equal(t, domain.SeverityCritical, cfg.Severity)
	require.Equal(t, 2*time.Minute, cfg.ForDuration)
	require.True(t, cfg.Enabled)
	threshold, ok := cfg.Condition.Threshold.Float()
	require.True(t, ok)
	require.Equal(t, 90.0, threshold)

	_, err = FromConfig(config.RuleConfig{Name: "x", Threshold: nil, Severity: "high"})
	require.Error(t, err)
}

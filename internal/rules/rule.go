package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"alertcore/internal/condition"
	"alertcore/internal/config"
	"alertcore/internal/domain"
)

// ResultError marks evaluation that failed with error.
const ResultError condition.Result = "error"

// Config is immutable rule definition.
// Params: name, condition, severity, hysteresis, optional own interval, labels, and annotations.
// Returns: rule settings owned by Rule.
type Config struct {
	Name               string
	Condition          condition.Condition
	Severity           domain.Severity
	ForDuration        time.Duration
	EvaluationInterval time.Duration
	Labels             map[string]string
	Annotations        map[string]string
	Enabled            bool
}

// State is mutable evaluation state of one rule.
// Params: counters, last result/value, firing latch, and firing/resolved markers.
// Returns: snapshot copied out of Rule for callbacks and stats.
type State struct {
	LastEvaluation   time.Time
	LastResult       condition.Result
	LastValue        domain.Value
	LastError        string
	ConsecutiveTrue  int
	ConsecutiveFalse int
	FiringSince      *time.Time
	ResolvedAt       *time.Time
	Firing           bool
	EvaluationCount  int
	ErrorCount       int
}

// Rule owns one condition plus firing-duration hysteresis.
type Rule struct {
	mu    sync.Mutex
	cfg   Config
	state State
}

// New creates rule after validating its condition.
// Params: rule definition.
// Returns: rule with empty state or validation error.
func New(cfg Config) (*Rule, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errors.New("rule name is required")
	}
	if err := cfg.Condition.Validate(); err != nil {
		return nil, fmt.Errorf("rule %q: %w", cfg.Name, err)
	}
	if cfg.ForDuration < 0 {
		return nil, fmt.Errorf("rule %q: for duration must be >=0", cfg.Name)
	}
	if !cfg.Severity.Valid() {
		cfg.Severity = domain.SeverityMedium
	}
	cfg.Labels = domain.CloneLabels(cfg.Labels)
	cfg.Annotations = domain.CloneLabels(cfg.Annotations)
	return &Rule{cfg: cfg}, nil
}

// FromConfig converts one `[rule.<name>]` table into rule definition.
// Params: loaded rule config.
// Returns: rule definition or conversion error.
func FromConfig(raw config.RuleConfig) (Config, error) {
	threshold, err := domain.FromAny(raw.Threshold)
	if err != nil {
		return Config{}, fmt.Errorf("rule %q threshold: %w", raw.Name, err)
	}
	severity, err := domain.ParseSeverity(raw.Severity)
	if err != nil {
		return Config{}, fmt.Errorf("rule %q: %w", raw.Name, err)
	}
	return Config{
		Name: raw.Name,
		Condition: condition.Condition{
			MetricName:  raw.Metric,
			Operator:    condition.Operator(raw.Operator),
			Threshold:   threshold,
			Aggregation: condition.Aggregation(raw.Aggregation),
			Percentile:  raw.Percentile,
			Window:      time.Duration(raw.WindowSec) * time.Second,
			GroupBy:     append([]string(nil), raw.GroupBy...),
		},
		Severity:           severity,
		ForDuration:        time.Duration(raw.ForSec) * time.Second,
		EvaluationInterval: time.Duration(raw.EvaluationIntervalSec) * time.Second,
		Labels:             domain.CloneLabels(raw.Labels),
		Annotations:        domain.CloneLabels(raw.Annotations),
		Enabled:            raw.IsEnabled(),
	}, nil
}

// Name returns rule name.
func (r *Rule) Name() string {
	return r.cfg.Name
}

// Config returns detached copy of rule definition.
func (r *Rule) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.cfg
	out.Labels = domain.CloneLabels(r.cfg.Labels)
	out.Annotations = domain.CloneLabels(r.cfg.Annotations)
	return out
}

// Snapshot returns detached copy of mutable state.
func (r *Rule) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Rule) snapshotLocked() State {
	out := r.state
	if r.state.FiringSince != nil {
		firingSince := *r.state.FiringSince
		out.FiringSince = &firingSince
	}
	if r.state.ResolvedAt != nil {
		resolvedAt := *r.state.ResolvedAt
		out.ResolvedAt = &resolvedAt
	}
	return out
}

// SetEnabled toggles rule participation in evaluation ticks.
func (r *Rule) SetEnabled(enabled bool) {
	r.mu.Lock()
	r.cfg.Enabled = enabled
	r.mu.Unlock()
}

// Enabled reports whether rule participates in evaluation ticks.
func (r *Rule) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Enabled
}

// IsFiring reports firing_since set and held for at least for-duration.
// Params: evaluation time.
// Returns: true when rule is firing at now.
func (r *Rule) IsFiring(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isFiringLocked(now)
}

func (r *Rule) isFiringLocked(now time.Time) bool {
	if r.state.FiringSince == nil {
		return false
	}
	return now.Sub(*r.state.FiringSince) >= r.cfg.ForDuration
}

// due reports whether rule own interval elapsed since last evaluation.
func (r *Rule) due(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cfg.Enabled {
		return false
	}
	if r.cfg.EvaluationInterval <= 0 || r.state.LastEvaluation.IsZero() {
		return true
	}
	return now.Sub(r.state.LastEvaluation) >= r.cfg.EvaluationInterval
}

// Evaluate runs condition against points and applies state transition.
// Params: metric points and evaluation time.
// Returns: firing flags before/after, outcome, and evaluation error.
func (r *Rule) Evaluate(points []domain.MetricDataPoint, now time.Time) (bool, bool, error) {
	outcome, err := condition.Evaluate(r.cfg.Condition, points, now)

	r.mu.Lock()
	defer r.mu.Unlock()
	wasFiring := r.state.Firing
	if err != nil {
		r.recordErrorLocked(now, err)
		return wasFiring, wasFiring, err
	}
	r.applyLocked(outcome, now)
	return wasFiring, r.state.Firing, nil
}

// recordError counts failed evaluation without touching streaks.
func (r *Rule) recordError(now time.Time, err error) {
	r.mu.Lock()
	r.recordErrorLocked(now, err)
	r.mu.Unlock()
}

func (r *Rule) recordErrorLocked(now time.Time, err error) {
	r.state.LastEvaluation = now
	r.state.LastResult = ResultError
	r.state.LastError = err.Error()
	r.state.EvaluationCount++
	r.state.ErrorCount++
}

func (r *Rule) applyLocked(outcome condition.Outcome, now time.Time) {
	r.state.LastEvaluation = now
	r.state.LastResult = outcome.Result
	r.state.LastError = ""
	r.state.EvaluationCount++
	if !outcome.Value.IsZero() {
		r.state.LastValue = outcome.Value
	}

	switch outcome.Result {
	case condition.ResultTrue:
		r.state.ConsecutiveTrue++
		r.state.ConsecutiveFalse = 0
		if r.state.FiringSince == nil {
			firingSince := now
			r.state.FiringSince = &firingSince
			r.state.ResolvedAt = nil
		}
		r.state.Firing = r.isFiringLocked(now)
	case condition.ResultFalse:
		r.state.ConsecutiveFalse++
		r.state.ConsecutiveTrue = 0
		if r.state.FiringSince != nil {
			resolvedAt := now
			r.state.FiringSince = nil
			r.state.ResolvedAt = &resolvedAt
		}
		r.state.Firing = false
	}
}

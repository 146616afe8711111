package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"alertcore/internal/alerterr"
	"alertcore/internal/clock"
	"alertcore/internal/domain"
	"alertcore/internal/logging"

	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval = 30 * time.Second
	errorBackoff    = time.Second
)

// MetricSource returns ordered metric points for one metric name.
type MetricSource func(metric string) []domain.MetricDataPoint

// Transition is delivered to alert/resolve callbacks.
// Params: rule definition and state snapshot at transition time.
// Returns: immutable callback payload.
type Transition struct {
	Rule  Config
	State State
	At    time.Time
}

// Callback observes rule transitions; panics are recovered by the engine.
type Callback func(ctx context.Context, transition Transition)

// EvaluationHook observes each finished rule evaluation.
type EvaluationHook func(rule string, result string, elapsed time.Duration)

// Options configures RuleEngine.
// Params: tick interval, worker bound (0 = one goroutine per rule), clock, logger, and optional hook.
// Returns: engine construction settings.
type Options struct {
	Interval time.Duration
	Workers  int
	Clock    clock.Clock
	Logger   *slog.Logger
	OnEval   EvaluationHook
}

// Engine evaluates registered rules on a periodic tick.
type Engine struct {
	mu               sync.RWMutex
	rules            map[string]*Rule
	sources          map[string]MetricSource
	alertCallbacks   []Callback
	resolveCallbacks []Callback

	interval time.Duration
	workers  int
	clock    clock.Clock
	logger   *slog.Logger
	onEval   EvaluationHook

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	ticks   int64
	running bool
}

// NewEngine constructs rule engine with empty registries.
// Params: engine options.
// Returns: engine ready for rule/source registration.
func NewEngine(opts Options) *Engine {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Engine{
		rules:    make(map[string]*Rule),
		sources:  make(map[string]MetricSource),
		interval: interval,
		workers:  opts.Workers,
		clock:    clock.OrReal(opts.Clock),
		logger:   logging.OrDiscard(opts.Logger),
		onEval:   opts.OnEval,
	}
}

// AddRule registers rule by unique name.
// Params: rule instance.
// Returns: error when name is already registered.
func (e *Engine) AddRule(rule *Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.Name()]; exists {
		return alerterr.Config("duplicate rule", nil).With("rule", rule.Name())
	}
	e.rules[rule.Name()] = rule
	return nil
}

// Rule returns registered rule by name.
func (e *Engine) Rule(name string) (*Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[name]
	return rule, ok
}

// SetRuleEnabled enables or disables registered rule.
// Params: rule name and flag.
// Returns: error when rule is unknown.
func (e *Engine) SetRuleEnabled(name string, enabled bool) error {
	rule, ok := e.Rule(name)
	if !ok {
		return fmt.Errorf("rule %q is not registered", name)
	}
	rule.SetEnabled(enabled)
	return nil
}

// RegisterSource binds metric source to metric name.
func (e *Engine) RegisterSource(metric string, source MetricSource) {
	e.mu.Lock()
	e.sources[metric] = source
	e.mu.Unlock()
}

// AddAlertCallback subscribes to not-firing -> firing transitions.
func (e *Engine) AddAlertCallback(callback Callback) {
	e.mu.Lock()
	e.alertCallbacks = append(e.alertCallbacks, callback)
	e.mu.Unlock()
}

// AddResolveCallback subscribes to firing -> not-firing transitions.
func (e *Engine) AddResolveCallback(callback Callback) {
	e.mu.Lock()
	e.resolveCallbacks = append(e.resolveCallbacks, callback)
	e.mu.Unlock()
}

// EvaluateAll evaluates every enabled, due rule concurrently at one timestamp.
// Params: context passed to callbacks.
// Returns: joined typed rule errors; one failing rule never aborts others.
func (e *Engine) EvaluateAll(ctx context.Context) error {
	now := e.clock.Now()

	e.mu.RLock()
	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	e.mu.RUnlock()
	sort.Strings(names)

	var (
		group  errgroup.Group
		errsMu sync.Mutex
		errs   []error
	)
	if e.workers > 0 {
		group.SetLimit(e.workers)
	}
	for _, name := range names {
		rule, ok := e.Rule(name)
		if !ok || !rule.due(now) {
			continue
		}
		group.Go(func() error {
			if err := e.evaluateRule(ctx, rule, now); err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return errors.Join(errs...)
}

// evaluateRule runs one rule with panic isolation and fires transition callbacks.
// Params: context, rule, and tick timestamp.
// Returns: typed rule error on source/evaluation failure.
func (e *Engine) evaluateRule(ctx context.Context, rule *Rule, now time.Time) (err error) {
	started := time.Now()
	result := string(ResultError)
	defer func() {
		if recovered := recover(); recovered != nil {
			err = alerterr.FromPanic(alerterr.KindRule, "evaluation panicked", recovered).With("rule", rule.Name())
			rule.recordError(now, err)
			result = string(ResultError)
		}
		if e.onEval != nil {
			e.onEval(rule.Name(), result, time.Since(started))
		}
	}()

	cfg := rule.Config()
	e.mu.RLock()
	source, ok := e.sources[cfg.Condition.MetricName]
	e.mu.RUnlock()
	if !ok {
		missing := alerterr.Rule("missing data source", nil).With("rule", cfg.Name).With("metric", cfg.Condition.MetricName)
		rule.recordError(now, missing)
		return missing
	}

	wasFiring, isFiring, evalErr := rule.Evaluate(source(cfg.Condition.MetricName), now)
	if evalErr != nil {
		return alerterr.Rule("evaluation failed", evalErr).With("rule", cfg.Name)
	}
	state := rule.Snapshot()
	result = string(state.LastResult)

	switch {
	case !wasFiring && isFiring:
		e.logger.Info("rule firing", "rule", cfg.Name, "value", state.LastValue.String())
		e.dispatch(ctx, e.callbacks(true), Transition{Rule: cfg, State: state, At: now})
	case wasFiring && !isFiring:
		e.logger.Info("rule resolved", "rule", cfg.Name)
		e.dispatch(ctx, e.callbacks(false), Transition{Rule: cfg, State: state, At: now})
	}
	return nil
}

func (e *Engine) callbacks(alert bool) []Callback {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if alert {
		return append([]Callback(nil), e.alertCallbacks...)
	}
	return append([]Callback(nil), e.resolveCallbacks...)
}

// dispatch invokes each callback with independent panic recovery.
func (e *Engine) dispatch(ctx context.Context, callbacks []Callback, transition Transition) {
	for i, callback := range callbacks {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					e.logger.Error("rule callback panicked", "rule", transition.Rule.Name, "callback", i, "panic", recovered)
				}
			}()
			callback(ctx, transition)
		}()
	}
}

// Start runs evaluation loop until Stop or context cancellation.
// Params: parent context.
// Returns: error when loop is already running.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return errors.New("rule engine already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	go e.loop(loopCtx, e.done)
	return nil
}

// loop serializes ticks: one tick completes before the next wait begins.
func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := e.interval
		if err := e.EvaluateAll(ctx); err != nil {
			e.logger.Warn("rule evaluation tick had errors", "error", err)
			if errorBackoff < wait {
				wait = errorBackoff
			}
		}
		e.runMu.Lock()
		e.ticks++
		e.runMu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Stop cancels evaluation loop and waits for it to exit.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel, done := e.cancel, e.done
	e.running = false
	e.cancel = nil
	e.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stats returns side-effect free engine snapshot.
func (e *Engine) Stats() map[string]any {
	e.mu.RLock()
	total := len(e.rules)
	sources := len(e.sources)
	rules := make([]*Rule, 0, total)
	for _, rule := range e.rules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	now := e.clock.Now()
	enabled, firing, evaluations, errorsTotal := 0, 0, 0, 0
	for _, rule := range rules {
		if rule.Enabled() {
			enabled++
		}
		if rule.IsFiring(now) {
			firing++
		}
		state := rule.Snapshot()
		evaluations += state.EvaluationCount
		errorsTotal += state.ErrorCount
	}

	e.runMu.Lock()
	running, ticks := e.running, e.ticks
	e.runMu.Unlock()
	return map[string]any{
		"running":           running,
		"ticks":             ticks,
		"interval_sec":      e.interval.Seconds(),
		"total_rules":       total,
		"enabled_rules":     enabled,
		"firing_rules":      firing,
		"data_sources":      sources,
		"total_evaluations": evaluations,
		"total_errors":      errorsTotal,
	}
}

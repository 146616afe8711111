// Package condition evaluates alert conditions over time-windowed metric data points.
package condition

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"alertcore/internal/domain"
)

// Operator compares aggregated value with threshold.
type Operator string

const (
	OpGT          Operator = "gt"
	OpGTE         Operator = "gte"
	OpLT          Operator = "lt"
	OpLTE         Operator = "lte"
	OpEQ          Operator = "eq"
	OpNE          Operator = "ne"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpRegex       Operator = "regex"
)

// Aggregation reduces in-window points into one value.
type Aggregation string

const (
	AggAvg        Aggregation = "avg"
	AggSum        Aggregation = "sum"
	AggMin        Aggregation = "min"
	AggMax        Aggregation = "max"
	AggCount      Aggregation = "count"
	AggRate       Aggregation = "rate"
	AggPercentile Aggregation = "percentile"
	AggLast       Aggregation = "last"
)

// Result is tri-state evaluation outcome.
type Result string

const (
	ResultFalse  Result = "false"
	ResultTrue   Result = "true"
	ResultNoData Result = "no_data"
)

// Condition is pure description of one threshold check.
// Params: metric name, operator, threshold, aggregation, optional percentile, window, and group-by labels.
// Returns: value evaluated by Evaluate.
type Condition struct {
	MetricName  string
	Operator    Operator
	Threshold   domain.Value
	Aggregation Aggregation
	Percentile  float64
	Window      time.Duration
	GroupBy     []string
}

// Validate checks condition shape before registration.
// Params: none.
// Returns: validation error for unsupported operator/aggregation or malformed threshold.
func (c Condition) Validate() error {
	if strings.TrimSpace(c.MetricName) == "" {
		return errors.New("metric name is required")
	}
	if c.Window <= 0 {
		return errors.New("window must be >0")
	}
	switch c.Aggregation {
	case AggAvg, AggSum, AggMin, AggMax, AggCount, AggRate, AggLast:
	case AggPercentile:
		if c.Percentile < 0 || c.Percentile > 100 {
			return fmt.Errorf("percentile %v out of range [0,100]", c.Percentile)
		}
	default:
		return fmt.Errorf("unsupported aggregation %q", c.Aggregation)
	}
	switch c.Operator {
	case OpGT, OpGTE, OpLT, OpLTE:
		if _, ok := c.Threshold.Float(); !ok {
			return fmt.Errorf("operator %q requires numeric threshold", c.Operator)
		}
	case OpEQ, OpNE, OpContains, OpNotContains:
	case OpRegex:
		if _, err := compilePattern(c.Threshold.String()); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported operator %q", c.Operator)
	}
	if c.Threshold.IsZero() {
		return errors.New("threshold is required")
	}
	return nil
}

// Outcome carries evaluation result and aggregated value.
type Outcome struct {
	Result Result
	Value  domain.Value
	Points int
}

// Evaluate aggregates in-window points and compares with threshold.
// Params: condition, metric points, and explicit evaluation time.
// Returns: TRUE/FALSE/NO_DATA outcome or evaluation error; same inputs always yield same output.
func Evaluate(c Condition, points []domain.MetricDataPoint, now time.Time) (Outcome, error) {
	window := filterWindow(points, now.Add(-c.Window), c.GroupBy)
	if len(window) == 0 {
		return Outcome{Result: ResultNoData}, nil
	}

	value, ok, err := aggregate(c, window)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Result: ResultNoData, Points: len(window)}, nil
	}

	matched, err := compare(c.Operator, value, c.Threshold)
	if err != nil {
		return Outcome{}, err
	}
	result := ResultFalse
	if matched {
		result = ResultTrue
	}
	return Outcome{Result: result, Value: value, Points: len(window)}, nil
}

// filterWindow keeps points at or after cutoff carrying every group-by label.
// Params: raw points, window start, and group-by label names.
// Returns: in-window points sorted by timestamp.
func filterWindow(points []domain.MetricDataPoint, cutoff time.Time, groupBy []string) []domain.MetricDataPoint {
	out := make([]domain.MetricDataPoint, 0, len(points))
	for _, point := range points {
		if point.Timestamp.Before(cutoff) {
			continue
		}
		if !hasLabels(point.Labels, groupBy) {
			continue
		}
		out = append(out, point)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func hasLabels(labels map[string]string, keys []string) bool {
	for _, key := range keys {
		if _, ok := labels[key]; !ok {
			return false
		}
	}
	return true
}

// aggregate reduces in-window points.
// Params: condition and non-empty timestamp-ordered points.
// Returns: aggregated value, presence flag (false means no data), or error.
func aggregate(c Condition, points []domain.MetricDataPoint) (domain.Value, bool, error) {
	switch c.Aggregation {
	case AggCount:
		return domain.Number(float64(len(points))), true, nil
	case AggLast:
		return points[len(points)-1].Value, true, nil
	case AggRate:
		if len(points) < 2 {
			return domain.Value{}, false, nil
		}
		elapsed := points[len(points)-1].Timestamp.Sub(points[0].Timestamp).Seconds()
		if elapsed <= 0 {
			return domain.Value{}, false, nil
		}
		return domain.Number(float64(len(points)) / elapsed), true, nil
	}

	numbers := make([]float64, 0, len(points))
	for _, point := range points {
		if n, ok := point.Value.Float(); ok {
			numbers = append(numbers, n)
		}
	}
	if len(numbers) == 0 {
		return domain.Value{}, false, nil
	}

	switch c.Aggregation {
	case AggAvg:
		return domain.Number(sum(numbers) / float64(len(numbers))), true, nil
	case AggSum:
		return domain.Number(sum(numbers)), true, nil
	case AggMin:
		best := numbers[0]
		for _, n := range numbers[1:] {
			best = math.Min(best, n)
		}
		return domain.Number(best), true, nil
	case AggMax:
		best := numbers[0]
		for _, n := range numbers[1:] {
			best = math.Max(best, n)
		}
		return domain.Number(best), true, nil
	case AggPercentile:
		if c.Percentile <= 0 {
			return domain.Value{}, false, nil
		}
		return domain.Number(NearestRank(numbers, c.Percentile)), true, nil
	default:
		return domain.Value{}, false, fmt.Errorf("unsupported aggregation %q", c.Aggregation)
	}
}

// NearestRank returns percentile using index floor(p/100*n) clamped to n-1 on sorted copy.
// Params: non-empty values and percentile in (0,100].
// Returns: selected value.
func NearestRank(values []float64, percentile float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	index := int(math.Floor(percentile / 100 * float64(len(sorted))))
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	if index < 0 {
		index = 0
	}
	return sorted[index]
}

func sum(values []float64) float64 {
	total := 0.0
	for _, value := range values {
		total += value
	}
	return total
}

// compare applies operator to aggregated value and threshold.
// Params: operator, left value, and threshold.
// Returns: match flag or type error.
func compare(op Operator, left, threshold domain.Value) (bool, error) {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE:
		l, lok := left.Float()
		r, rok := threshold.Float()
		if !lok || !rok {
			return false, fmt.Errorf("operator %q requires numeric operands, got %q and %q", op, left.String(), threshold.String())
		}
		switch op {
		case OpGT:
			return l > r, nil
		case OpGTE:
			return l >= r, nil
		case OpLT:
			return l < r, nil
		default:
			return l <= r, nil
		}
	case OpEQ, OpNE:
		equal := left.String() == threshold.String()
		if l, lok := left.Float(); lok {
			if r, rok := threshold.Float(); rok {
				equal = l == r
			}
		}
		if op == OpEQ {
			return equal, nil
		}
		return !equal, nil
	case OpContains:
		return strings.Contains(left.String(), threshold.String()), nil
	case OpNotContains:
		return !strings.Contains(left.String(), threshold.String()), nil
	case OpRegex:
		pattern, err := compilePattern(threshold.String())
		if err != nil {
			return false, err
		}
		return pattern.MatchString(left.String()), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

var patternCache sync.Map

// compilePattern compiles and caches regex thresholds.
func compilePattern(raw string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(raw); ok {
		return cached.(*regexp.Regexp), nil
	}
	pattern, err := regexp.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid regex threshold %q: %w", raw, err)
	}
	patternCache.Store(raw, pattern)
	return pattern, nil
}

package condition

import (
	"testing"
	"time"

	"alertcore/internal/domain"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var baseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func points(values ...any) []domain.MetricDataPoint {
	out := make([]domain.MetricDataPoint, 0, len(values))
	for i, raw := range values {
		value, err := domain.FromAny(raw)
		if err != nil {
			panic(err)
		}
		out = append(out, domain.MetricDataPoint{
			Timestamp: baseTime.Add(time.Duration(i) * time.Second),
			Value:     value,
			Labels:    map[string]string{"host": "h1"},
		})
	}
	return out
}

func TestEvaluateAggregations(t *testing.T) {
	t.Parallel()

	now := baseTime.Add(10 * time.Second)
	data := points(1.0, 2.0, "skip", 3.0, 4.0)

	tests := []struct {
		name        string
		aggregation Aggregation
		percentile  float64
		want        float64
	}{
		{name: "avg", aggregation: AggAvg, want: 2.5},
		{name: "sum", aggregation: AggSum, want: 10},
		{name: "min", aggregation: AggMin, want: 1},
		{name: "max", aggregation: AggMax, want: 4},
		{name: "count includes strings", aggregation: AggCount, want: 5},
		{name: "rate", aggregation: AggRate, want: 5.0 / 4.0},
		{name: "p50 nearest rank", aggregation: AggPercentile, percentile: 50, want: 3},
		{name: "p100 clamps", aggregation: AggPercentile, percentile: 100, want: 4},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out, err := Evaluate(Condition{
				MetricName:  "m",
				Operator:    OpGT,
				Threshold:   domain.Number(0),
				Aggregation: tt.aggregation,
				Percentile:  tt.percentile,
				Window:      time.Minute,
			}, data, now)
			require.NoError(t, err)
			require.Equal(t, ResultTrue, out.Result)
			got, ok := out.Value.Float()
			require.True(t, ok)
			require.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestEvaluateNoData(t *testing.T) {
	t.Parallel()

	now := baseTime.Add(time.Hour)
	cond := Condition{MetricName: "m", Operator: OpGT, Threshold: domain.Number(0), Aggregation: AggAvg, Window: time.Minute}

	out, err := Evaluate(cond, points(1.0, 2.0), now)
	require.NoError(t, err)
	require.Equal(t, ResultNoData, out.Result, "points outside window")

	now = baseTime.Add(5 * time.Second)
	out, err = Evaluate(cond, points("a", "b"), now)
	require.NoError(t, err)
	require.Equal(t, ResultNoData, out.Result, "no numeric points")

	cond.Aggregation = AggPercentile
	out, err = Evaluate(cond, points(1.0), now)
	require.NoError(t, err)
	require.Equal(t, ResultNoData, out.Result, "percentile without value")

	cond.Aggregation = AggRate
	out, err = Evaluate(cond, points(1.0), now)
	require.NoError(t, err)
	require.Equal(t, ResultNoData, out.Result, "rate with single point")
}

func TestEvaluateWindowBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	cond := Condition{MetricName: "m", Operator: OpEQ, Threshold: domain.Number(1), Aggregation: AggCount, Window: 10 * time.Second}
	out, err := Evaluate(cond, points(7.0), baseTime.Add(10*time.Second))
	require.NoError(t, err)
	require.Equal(t, ResultTrue, out.Result)
}

func TestEvaluateGroupByFiltersPoints(t *testing.T) {
	t.Parallel()

	data := points(10.0, 20.0)
	data[1].Labels = map[string]string{"other": "x"}
	out, err := Evaluate(Condition{
		MetricName: "m", Operator: OpEQ, Threshold: domain.Number(10), Aggregation: AggMax,
		Window: time.Minute, GroupBy: []string{"host"},
	}, data, baseTime.Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, ResultTrue, out.Result)
	require.Equal(t, 1, out.Points)
}

func TestEvaluateOperators(t *testing.T) {
	t.Parallel()

	now := baseTime.Add(time.Second)
	tests := []struct {
		name      string
		op        Operator
		threshold domain.Value
		data      []domain.MetricDataPoint
		agg       Aggregation
		want      Result
	}{
		{name: "gte equal", op: OpGTE, threshold: domain.Number(5), data: points(5.0), agg: AggLast, want: ResultTrue},
		{name: "lt", op: OpLT, threshold: domain.Number(5), data: points(6.0), agg: AggLast, want: ResultFalse},
		{name: "lte", op: OpLTE, threshold: domain.Number(5), data: points(5.0), agg: AggLast, want: ResultTrue},
		{name: "eq numeric", op: OpEQ, threshold: domain.Number(1), data: points(1.0), agg: AggLast, want: ResultTrue},
		{name: "eq string", op: OpEQ, threshold: domain.String("down"), data: points("down"), agg: AggLast, want: ResultTrue},
		{name: "ne", op: OpNE, threshold: domain.String("up"), data: points("down"), agg: AggLast, want: ResultTrue},
		{name: "contains", op: OpContains, threshold: domain.String("time"), data: points("timeout"), agg: AggLast, want: ResultTrue},
		{name: "not contains", op: OpNotContains, threshold: domain.String("ok"), data: points("timeout"), agg: AggLast, want: ResultTrue},
		{name: "regex searches", op: OpRegex, threshold: domain.String(`err(or)?\d+`), data: points("fatal error42 seen"), agg: AggLast, want: ResultTrue},
		{name: "regex no match", op: OpRegex, threshold: domain.String(`^ok$`), data: points("not ok"), agg: AggLast, want: ResultFalse},
		{name: "contains on number", op: OpContains, threshold: domain.String("0.5"), data: points(0.55), agg: AggLast, want: ResultTrue},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out, err := Evaluate(Condition{MetricName: "m", Operator: tt.op, Threshold: tt.threshold, Aggregation: tt.agg, Window: time.Minute}, tt.data, now)
			require.NoError(t, err)
			require.Equal(t, tt.want, out.Result)
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	t.Parallel()

	now := baseTime.Add(time.Second)
	_, err := Evaluate(Condition{MetricName: "m", Operator: OpGT, Threshold: domain.Number(1), Aggregation: AggLast, Window: time.Minute}, points("text"), now)
	require.Error(t, err, "relational operator on string value")

	_, err = Evaluate(Condition{MetricName: "m", Operator: OpRegex, Threshold: domain.String("(["), Aggregation: AggLast, Window: time.Minute}, points("x"), now)
	require.Error(t, err, "invalid pattern")
}

func TestConditionValidate(t *testing.T) {
	t.Parallel()

	valid := Condition{MetricName: "m", Operator: OpGT, Threshold: domain.Number(1), Aggregation: AggAvg, Window: time.Minute}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.Threshold = domain.String("x")
	require.Error(t, bad.Validate())

	bad = valid
	bad.Aggregation = "median"
	require.Error(t, bad.Validate())

	bad = valid
	bad.Window = 0
	require.Error(t, bad.Validate())
}

func TestEvaluateIsReferentiallyTransparent(t *testing.T) {
	t.Parallel()

	aggregations := []Aggregation{AggAvg, AggSum, AggMin, AggMax, AggCount, AggRate, AggPercentile, AggLast}
	operators := []Operator{OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE}

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(rt, "n")
		data := make([]domain.MetricDataPoint, 0, n)
		for i := 0; i < n; i++ {
			data = append(data, domain.MetricDataPoint{
				Timestamp: baseTime.Add(time.Duration(rapid.IntRange(0, 600).Draw(rt, "offset")) * time.Second),
				Value:     domain.Number(rapid.Float64Range(-1000, 1000).Draw(rt, "value")),
			})
		}
		cond := Condition{
			MetricName:  "m",
			Operator:    rapid.SampledFrom(operators).Draw(rt, "op"),
			Threshold:   domain.Number(rapid.Float64Range(-1000, 1000).Draw(rt, "threshold")),
			Aggregation: rapid.SampledFrom(aggregations).Draw(rt, "agg"),
			Percentile:  rapid.Float64Range(0, 100).Draw(rt, "p"),
			Window:      time.Duration(rapid.IntRange(1, 600).Draw(rt, "window")) * time.Second,
		}
		now := baseTime.Add(time.Duration(rapid.IntRange(0, 900).Draw(rt, "now")) * time.Second)

		snapshot := append([]domain.MetricDataPoint(nil), data...)
		first, firstErr := Evaluate(cond, data, now)
		second, secondErr := Evaluate(cond, data, now)
		if (firstErr == nil) != (secondErr == nil) || first != second {
			rt.Fatalf("non-deterministic evaluation: %+v/%v vs %+v/%v", first, firstErr, second, secondErr)
		}
		for i := range data {
			if !data[i].Timestamp.Equal(snapshot[i].Timestamp) || data[i].Value != snapshot[i].Value {
				rt.Fatalf("evaluation mutated input at %d", i)
			}
		}
	})
}

package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeMetricEvents(t *testing.T) {
	t.Parallel()

	events, err := DecodeMetricEvents([]byte(validEventJSON("h1")))
	if err != nil {
		t.Fatalf("decode single: %v", err)
	}
	if len(events) != 1 || events[0].Metric != "error_rate" {
		t.Fatalf("unexpected events %+v", events)
	}
	if value, ok := events[0].Value.Float(); !ok || value != 0.1 {
		t.Fatalf("unexpected value %+v", events[0].Value)
	}

	events, err = DecodeMetricEvents([]byte("[" + validEventJSON("h1") + "," + validEventJSON("h2") + "]"))
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(events) != 2 || events[1].Labels["host"] != "h2" {
		t.Fatalf("unexpected batch %+v", events)
	}
}

func TestDecodeMetricEventsRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []string{
		`[]`,
		`{"dt":1,"value":1}`,
		`{"metric":"m","value":1}`,
		`{"metric":"m","dt":1}`,
		`{"metric":"m","dt":1,"value":true}`,
		`[` + validEventJSON("h1") + `,{"metric":"m"}]`,
	}
	for _, raw := range cases {
		if _, err := DecodeMetricEvents([]byte(raw)); err == nil {
			t.Fatalf("expected decode error for %s", raw)
		}
	}
}

func TestMetricEventPoint(t *testing.T) {
	t.Parallel()

	event := MetricEvent{Metric: "m", DT: 1739876543210, Value: String("down"), Labels: map[string]string{"a": "b"}}
	point := event.Point()
	if !point.Timestamp.Equal(time.UnixMilli(1739876543210)) || point.Value.String() != "down" {
		t.Fatalf("unexpected point %+v", point)
	}
	event.Labels["a"] = "changed"
	if point.Labels["a"] != "b" {
		t.Fatalf("point labels must be detached from event")
	}
}

func TestValueJSONRoundTripKeepsType(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal([]Value{Number(2.5), String("x")})
	if err != nil || string(raw) != `[2.5,"x"]` {
		t.Fatalf("unexpected encoding %s err=%v", raw, err)
	}
}

func TestValueFromAny(t *testing.T) {
	t.Parallel()

	if v, err := FromAny(int64(5)); err != nil || v.Type != ValueNumber || v.N != 5 {
		t.Fatalf("unexpected int conversion %+v err=%v", v, err)
	}
	if v, err := FromAny(true); err != nil || v.String() != "true" {
		t.Fatalf("unexpected bool conversion %+v err=%v", v, err)
	}
	if _, err := FromAny(nil); err == nil {
		t.Fatalf("expected error for nil")
	}
	if _, err := FromAny([]int{1}); err == nil {
		t.Fatalf("expected error for slice")
	}
}

func TestSeverityOrdering(t *testing.T) {
	t.Parallel()

	if MaxSeverity() != SeverityInfo {
		t.Fatalf("empty max must be info")
	}
	if got := MaxSeverity(SeverityLow, SeverityCritical, SeverityMedium); got != SeverityCritical {
		t.Fatalf("unexpected max %q", got)
	}
	if _, err := ParseSeverity("urgent"); err == nil {
		t.Fatalf("expected unsupported severity error")
	}
	if s, err := ParseSeverity(" HIGH "); err != nil || s != SeverityHigh {
		t.Fatalf("unexpected parse %q err=%v", s, err)
	}
}

func TestAlertInstanceCloneIsDeep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	alert := AlertInstance{AlertID: "a", Labels: map[string]string{"k": "v"}, ResolvedAt: &now}
	clone := alert.Clone()
	clone.Labels["k"] = "x"
	*clone.ResolvedAt = now.Add(time.Hour)
	if alert.Labels["k"] != "v" || !alert.ResolvedAt.Equal(now) {
		t.Fatalf("clone must not alias source")
	}
	if msg := alert.Notification(); msg.AlertID != "a" || msg.Labels["k"] != "v" {
		t.Fatalf("unexpected notification %+v", msg)
	}
}

func validEventJSON(host string) string {
	return `{"metric":"error_rate","dt":1739876543210,"value":0.1,"labels":{"service":"api","host":"` + host + `"}}`
}

package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MetricDataPoint is one immutable timestamped metric sample.
// Params: sample time, typed value, and label set.
// Returns: unit consumed by condition evaluation.
type MetricDataPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     Value             `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// MetricEvent is normalized inbound metric sample for ingest transports.
// Params: metric name, unix ms timestamp, typed value, and labels.
// Returns: validated payload converted into MetricDataPoint.
type MetricEvent struct {
	Metric string            `json:"metric"`
	DT     int64             `json:"dt"`
	Value  Value             `json:"value"`
	Labels map[string]string `json:"labels"`
}

// Point converts event into metric data point.
// Params: none.
// Returns: data point with UTC timestamp.
func (e MetricEvent) Point() MetricDataPoint {
	return MetricDataPoint{
		Timestamp: time.UnixMilli(e.DT).UTC(),
		Value:     e.Value,
		Labels:    CloneLabels(e.Labels),
	}
}

// Validate validates one metric event against the ingest contract.
// Params: event fields parsed from transport.
// Returns: validation error when schema is violated.
func (e MetricEvent) Validate() error {
	if strings.TrimSpace(e.Metric) == "" {
		return errors.New("metric is required")
	}
	if e.DT <= 0 {
		return errors.New("dt must be >0")
	}
	if e.Value.IsZero() {
		return errors.New("value is required")
	}
	return nil
}

// DecodeMetricEvent decodes and validates one event payload.
// Params: JSON document bytes.
// Returns: validated event or decode/validation error.
func DecodeMetricEvent(raw []byte) (MetricEvent, error) {
	var event MetricEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return MetricEvent{}, fmt.Errorf("decode metric event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return MetricEvent{}, err
	}
	return event, nil
}

// DecodeMetricEvents decodes one JSON object or array of metric events.
// Params: JSON document bytes.
// Returns: validated events or decode/validation error.
func DecodeMetricEvents(raw []byte) ([]MetricEvent, error) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") {
		event, err := DecodeMetricEvent(raw)
		if err != nil {
			return nil, err
		}
		return []MetricEvent{event}, nil
	}

	var events []MetricEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("decode metric batch: %w", err)
	}
	if len(events) == 0 {
		return nil, errors.New("metric batch must contain at least one event")
	}
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return nil, fmt.Errorf("event[%d]: %w", i, err)
		}
	}
	return events, nil
}

// CloneLabels duplicates label map.
// Params: source labels map.
// Returns: copied map (nil for empty input).
func CloneLabels(source map[string]string) map[string]string {
	if len(source) == 0 {
		return nil
	}
	out := make(map[string]string, len(source))
	for key, value := range source {
		out[key] = value
	}
	return out
}

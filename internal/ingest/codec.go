// Package ingest receives metric events over HTTP and NATS and forwards them to a sink.
package ingest

import (
	"bytes"
	"errors"

	"alertcore/internal/domain"
)

// EventSink receives decoded metric events from ingest interfaces.
// Params: decoded event payload.
// Returns: processing error.
type EventSink interface {
	Push(event domain.MetricEvent) error
}

// BatchEventSink accepts a whole decoded batch in one call.
type BatchEventSink interface {
	EventSink
	PushBatch(events []domain.MetricEvent) error
}

// decodePayload auto-detects batch vs single payload.
// Params: raw JSON bytes with one object or array.
// Returns: validated events slice.
func decodePayload(raw []byte) ([]domain.MetricEvent, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	return domain.DecodeMetricEvents(payload)
}

// pushEvents sends events to sink with optional batch support.
// Params: event sink and event slice.
// Returns: first push error or nil.
func pushEvents(sink EventSink, events []domain.MetricEvent) error {
	if len(events) == 0 {
		return nil
	}
	if batchSink, ok := sink.(BatchEventSink); ok && len(events) > 1 {
		return batchSink.PushBatch(events)
	}
	for _, event := range events {
		if err := sink.Push(event); err != nil {
			return err
		}
	}
	return nil
}

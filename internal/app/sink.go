package app

import (
	"alertcore/internal/domain"
	"alertcore/internal/ingest"
	"alertcore/internal/metrics"
	"alertcore/internal/metricstore"
)

// metricSink appends ingested events to metric store and counts them per transport.
type metricSink struct {
	points    *metricstore.Store
	recorder  *metrics.Recorder
	transport string
}

var _ ingest.BatchEventSink = (*metricSink)(nil)

func (s *Service) sink(transport string) *metricSink {
	return &metricSink{points: s.points, recorder: s.recorder, transport: transport}
}

// Push stores one metric event.
func (s *metricSink) Push(event domain.MetricEvent) error {
	s.points.AppendEvent(event)
	s.recorder.Ingested(s.transport, 1)
	return nil
}

// PushBatch stores metric events in payload order.
func (s *metricSink) PushBatch(events []domain.MetricEvent) error {
	for _, event := range events {
		s.points.AppendEvent(event)
	}
	s.recorder.Ingested(s.transport, len(events))
	return nil
}

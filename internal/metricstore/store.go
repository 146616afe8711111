// Package metricstore keeps bounded in-memory time series that feed rule evaluation.
package metricstore

import (
	"sort"
	"sync"
	"time"

	"alertcore/internal/clock"
	"alertcore/internal/domain"
)

// Options bounds per-metric buffers.
// Params: max points per metric (0 = unbounded) and max point age (0 = keep forever).
// Returns: store retention settings.
type Options struct {
	MaxPoints int
	MaxAge    time.Duration
	Clock     clock.Clock
}

// Store is concurrency-safe append-mostly buffer of metric points keyed by metric name.
type Store struct {
	mu     sync.RWMutex
	series map[string][]domain.MetricDataPoint
	opts   Options
	clock  clock.Clock
	total  int64
}

// New creates empty store.
func New(opts Options) *Store {
	return &Store{
		series: make(map[string][]domain.MetricDataPoint),
		opts:   opts,
		clock:  clock.OrReal(opts.Clock),
	}
}

// Append inserts one point in timestamp order and trims buffer bounds.
// Params: metric name and point.
func (s *Store) Append(metric string, point domain.MetricDataPoint) {
	point.Labels = domain.CloneLabels(point.Labels)

	s.mu.Lock()
	defer s.mu.Unlock()
	series := s.series[metric]
	index := sort.Search(len(series), func(i int) bool {
		return series[i].Timestamp.After(point.Timestamp)
	})
	series = append(series, domain.MetricDataPoint{})
	copy(series[index+1:], series[index:])
	series[index] = point
	s.series[metric] = s.trim(series)
	s.total++
}

// AppendEvent stores decoded ingest event.
func (s *Store) AppendEvent(event domain.MetricEvent) {
	s.Append(event.Metric, event.Point())
}

// Points returns detached ordered copy of metric buffer.
// Params: metric name.
// Returns: points within retention bounds.
func (s *Store) Points(metric string) []domain.MetricDataPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	series := s.series[metric]
	cutoff := s.cutoff()
	start := 0
	if !cutoff.IsZero() {
		start = sort.Search(len(series), func(i int) bool {
			return !series[i].Timestamp.Before(cutoff)
		})
	}
	return append([]domain.MetricDataPoint(nil), series[start:]...)
}

// Source returns metric source bound to this store for rule engine registration.
func (s *Store) Source() func(metric string) []domain.MetricDataPoint {
	return s.Points
}

// Metrics returns known metric names in lexical order.
func (s *Store) Metrics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.series))
	for name := range s.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Prune drops points older than max age across all metrics.
// Returns: number of removed points.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for name, series := range s.series {
		trimmed := s.trim(series)
		removed += len(series) - len(trimmed)
		if len(trimmed) == 0 {
			delete(s.series, name)
			continue
		}
		s.series[name] = trimmed
	}
	return removed
}

// Stats returns side-effect free store snapshot.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	points := 0
	for _, series := range s.series {
		points += len(series)
	}
	return map[string]any{
		"metrics":        len(s.series),
		"points":         points,
		"total_appended": s.total,
	}
}

func (s *Store) cutoff() time.Time {
	if s.opts.MaxAge <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(-s.opts.MaxAge)
}

func (s *Store) trim(series []domain.MetricDataPoint) []domain.MetricDataPoint {
	if cutoff := s.cutoff(); !cutoff.IsZero() {
		drop := sort.Search(len(series), func(i int) bool {
			return !series[i].Timestamp.Before(cutoff)
		})
		series = series[drop:]
	}
	if s.opts.MaxPoints > 0 && len(series) > s.opts.MaxPoints {
		series = series[len(series)-s.opts.MaxPoints:]
	}
	if cap(series) > 2*len(series)+16 {
		series = append([]domain.MetricDataPoint(nil), series...)
	}
	return series
}

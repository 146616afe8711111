// Package metrics exposes alert pipeline counters on a private Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"alertcore/internal/domain"
	"alertcore/internal/escalation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alertcore"

// Recorder holds pipeline collectors. A nil *Recorder is a valid no-op recorder.
type Recorder struct {
	registry *prometheus.Registry

	evaluations      *prometheus.CounterVec
	evalDuration     *prometheus.HistogramVec
	alertsFired      *prometheus.CounterVec
	alertsResolved   *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	dedupSuppressed  prometheus.Counter
	groupFlushes     prometheus.Counter
	groupSize        prometheus.Histogram
	escalationLevels *prometheus.CounterVec
	ingested         *prometheus.CounterVec
	activeAlerts     *prometheus.GaugeVec
}

// New registers collectors on a fresh registry together with Go and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluations_total",
			Help:      "Rule evaluations by rule and result.",
		}, []string{"rule", "result"}),
		evalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rule_evaluation_duration_seconds",
			Help:      "Rule evaluation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"rule"}),
		alertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Alert instances created by rule and severity.",
		}, []string{"rule", "severity"}),
		alertsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_resolved_total",
			Help:      "Alert instances resolved by rule.",
		}, []string{"rule"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Per-channel notification outcomes.",
		}, []string{"channel", "status"}),
		dedupSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_suppressed_total",
			Help:      "Alerts suppressed as duplicates.",
		}),
		groupFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_flushes_total",
			Help:      "Alert groups flushed to notification.",
		}),
		groupSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "group_flush_size",
			Help:      "Member count of flushed groups.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		escalationLevels: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_levels_total",
			Help:      "Executed escalation levels by policy, level, and outcome.",
		}, []string{"policy", "level", "outcome"}),
		ingested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_points_total",
			Help:      "Metric points accepted by transport.",
		}, []string{"transport"}),
		activeAlerts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts",
			Help:      "Tracked alert instances by status.",
		}, []string{"status"}),
	}
}

// Registry returns underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveEvaluation matches rules.EvaluationHook.
func (r *Recorder) ObserveEvaluation(rule, result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.evaluations.WithLabelValues(rule, result).Inc()
	r.evalDuration.WithLabelValues(rule).Observe(elapsed.Seconds())
}

// AlertFired counts new alert instance.
func (r *Recorder) AlertFired(rule string, severity domain.Severity) {
	if r == nil {
		return
	}
	r.alertsFired.WithLabelValues(rule, string(severity)).Inc()
}

// AlertResolved counts resolved alert instance.
func (r *Recorder) AlertResolved(rule string) {
	if r == nil {
		return
	}
	r.alertsResolved.WithLabelValues(rule).Inc()
}

// NotificationResult matches notify.ResultHook.
func (r *Recorder) NotificationResult(channel string, result domain.NotificationResult) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(channel, string(result.Status)).Inc()
}

// DedupSuppressed counts one suppressed duplicate.
func (r *Recorder) DedupSuppressed() {
	if r == nil {
		return
	}
	r.dedupSuppressed.Inc()
}

// GroupFlushed records one flushed group with its member count.
func (r *Recorder) GroupFlushed(size int) {
	if r == nil {
		return
	}
	r.groupFlushes.Inc()
	r.groupSize.Observe(float64(size))
}

// EscalationLevel matches escalation.Callback.
func (r *Recorder) EscalationLevel(_ context.Context, instance escalation.Instance, level escalation.Level, success bool) {
	if r == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "sent"
	}
	r.escalationLevels.WithLabelValues(instance.PolicyName, strconv.Itoa(level.Level), outcome).Inc()
}

// Ingested counts accepted metric points.
func (r *Recorder) Ingested(transport string, points int) {
	if r == nil || points <= 0 {
		return
	}
	r.ingested.WithLabelValues(transport).Add(float64(points))
}

// SetAlertCounts replaces per-status alert gauge values.
func (r *Recorder) SetAlertCounts(counts map[domain.AlertStatus]int) {
	if r == nil {
		return
	}
	r.activeAlerts.Reset()
	for status, count := range counts {
		r.activeAlerts.WithLabelValues(string(status)).Set(float64(count))
	}
}

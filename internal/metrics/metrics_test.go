package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"alertcore/internal/domain"
	"alertcore/internal/escalation"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounters(t *testing.T) {
	t.Parallel()

	recorder := New()
	recorder.ObserveEvaluation("high_errors", "true", 3*time.Millisecond)
	recorder.ObserveEvaluation("high_errors", "true", time.Millisecond)
	recorder.AlertFired("high_errors", domain.SeverityHigh)
	recorder.AlertResolved("high_errors")
	recorder.NotificationResult("slack", domain.NotificationResult{Status: domain.NotificationSent})
	recorder.NotificationResult("slack", domain.NotificationResult{Status: domain.NotificationFailed})
	recorder.DedupSuppressed()
	recorder.GroupFlushed(4)
	recorder.EscalationLevel(context.Background(), escalation.Instance{PolicyName: "oncall"}, escalation.Level{Level: 2}, true)
	recorder.Ingested("http", 3)
	recorder.Ingested("http", 0)

	require.Equal(t, 2.0, testutil.ToFloat64(recorder.evaluations.WithLabelValues("high_errors", "true")))
	require.Equal(t, 1.0, testutil.ToFloat64(recorder.alertsFired.WithLabelValues("high_errors", "high")))
	require.Equal(t, 1.0, testutil.ToFloat64(recorder.alertsResolved.WithLabelValues("high_errors")))
	require.Equal(t, 1.0, testutil.ToFloat64(recorder.notifications.WithLabelValues("slack", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(recorder.dedupSuppressed))
	require.Equal(t, 1.0, testutil.ToFloat64(recorder.groupFlushes))
	require.Equal(t, 1.0, testutil.ToFloat64(recorder.escalationLevels.WithLabelValues("oncall", "2", "sent")))
	require.Equal(t, 3.0, testutil.ToFloat64(recorder.ingested.WithLabelValues("http")))

	recorder.SetAlertCounts(map[domain.AlertStatus]int{domain.AlertStatusActive: 2})
	recorder.SetAlertCounts(map[domain.AlertStatus]int{domain.AlertStatusAcknowledged: 1})
	require.Equal(t, 1, testutil.CollectAndCount(recorder.activeAlerts))
}

func TestHandlerExposesPipelineMetrics(t *testing.T) {
	t.Parallel()

	recorder := New()
	recorder.AlertFired("cpu", domain.SeverityCritical)

	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	require.Equal(t, 200, response.Code)
	require.True(t, strings.Contains(string(body), `alertcore_alerts_fired_total{rule="cpu",severity="critical"} 1`))
	require.Contains(t, string(body), "go_goroutines")
}

func TestNilRecorderIsNoop(t *testing.T) {
	t.Parallel()

	var recorder *Recorder
	require.NotPanics(t, func() {
		recorder.ObserveEvaluation("r", "true", time.Second)
		recorder.AlertFired("r", domain.SeverityLow)
		recorder.NotificationResult("c", domain.NotificationResult{})
		recorder.GroupFlushed(1)
		recorder.SetAlertCounts(nil)
	})
	require.Nil(t, recorder.Registry())
	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 404, response.Code)
}

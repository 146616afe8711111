package app

import (
	"fmt"
	"time"

	"alertcore/internal/domain"
	"alertcore/internal/rules"
	"alertcore/internal/templatefmt"
)

const (
	annotationSummary     = "summary"
	annotationDescription = "description"
	defaultTitle          = `{{.Rule}} is firing`
	defaultMessage        = `{{.Metric}} {{.Aggregation}} is {{.Value}} ({{.Operator}} {{.Threshold}})`
)

// alertView is template payload for summary/description annotations.
type alertView struct {
	Rule        string
	Metric      string
	Aggregation string
	Operator    string
	Threshold   string
	Value       string
	Severity    string
	Labels      map[string]string
	FiringSince time.Time
}

func newAlertInstance(transition rules.Transition, alertID string, now time.Time) domain.AlertInstance {
	cfg := transition.Rule
	view := alertView{
		Rule:        cfg.Name,
		Metric:      cfg.Condition.MetricName,
		Aggregation: string(cfg.Condition.Aggregation),
		Operator:    string(cfg.Condition.Operator),
		Threshold:   cfg.Condition.Threshold.String(),
		Value:       transition.State.LastValue.String(),
		Severity:    string(cfg.Severity),
		Labels:      cfg.Labels,
	}
	if transition.State.FiringSince != nil {
		view.FiringSince = *transition.State.FiringSince
	}

	labels := domain.CloneLabels(cfg.Labels)
	if labels == nil {
		labels = map[string]string{}
	}
	labels["alertname"] = cfg.Name
	labels["severity"] = string(cfg.Severity)
	labels["metric"] = cfg.Condition.MetricName

	annotations := domain.CloneLabels(cfg.Annotations)
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations["value"] = view.Value
	annotations["threshold"] = view.Threshold

	return domain.AlertInstance{
		AlertID:     alertID,
		RuleName:    cfg.Name,
		Title:       renderAnnotation(cfg.Annotations[annotationSummary], defaultTitle, view),
		Message:     renderAnnotation(cfg.Annotations[annotationDescription], defaultMessage, view),
		Severity:    cfg.Severity,
		Status:      domain.AlertStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
		Labels:      labels,
		Annotations: annotations,
	}
}

// renderAnnotation renders operator template, falling back to raw text and then to default.
func renderAnnotation(body, fallback string, view alertView) string {
	if body == "" {
		body = fallback
	}
	tmpl, err := templatefmt.ParseText("annotation", body)
	if err != nil {
		return body
	}
	rendered, err := templatefmt.Render(tmpl, view)
	if err != nil {
		return body
	}
	return rendered
}

// resolvedNotification builds INFO notification sent when alert resolves.
func resolvedNotification(alert domain.AlertInstance, now time.Time) domain.NotificationMessage {
	msg := alert.Notification()
	msg.Title = resolvedTitlePrefix + alert.Title
	msg.Severity = domain.SeverityInfo
	msg.Timestamp = now
	if msg.Annotations == nil {
		msg.Annotations = map[string]string{}
	}
	msg.Annotations["original_severity"] = string(alert.Severity)
	msg.Annotations["duration"] = templatefmt.FormatDuration(now.Sub(alert.CreatedAt))
	msg.Message = fmt.Sprintf("Resolved after %s. %s", templatefmt.FormatDuration(now.Sub(alert.CreatedAt)), alert.Message)
	return msg
}

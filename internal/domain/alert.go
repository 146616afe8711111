package domain

import "time"

// AlertStatus is lifecycle status of one alert instance.
type AlertStatus string

const (
	// AlertStatusActive is newly fired, unacknowledged alert.
	AlertStatusActive AlertStatus = "active"
	// AlertStatusAcknowledged is alert silenced by an operator.
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	// AlertStatusResolved is alert whose condition cleared.
	AlertStatusResolved AlertStatus = "resolved"
	// AlertStatusSuppressed is alert dropped as a duplicate.
	AlertStatusSuppressed AlertStatus = "suppressed"
	// AlertStatusExpired is active alert that outlived max age.
	AlertStatusExpired AlertStatus = "expired"
)

// AlertInstance is one fired alert owned by the alert manager.
// Params: identity, lifecycle timestamps, labels, and routing references.
// Returns: record for stats, persistence, and operator actions.
type AlertInstance struct {
	AlertID           string            `json:"alert_id"`
	RuleName          string            `json:"rule_name"`
	Title             string            `json:"title"`
	Message           string            `json:"message"`
	Severity          Severity          `json:"severity"`
	Status            AlertStatus       `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ResolvedAt        *time.Time        `json:"resolved_at,omitempty"`
	AcknowledgedAt    *time.Time        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy    string            `json:"acknowledged_by,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"`
	EscalationID      string            `json:"escalation_id,omitempty"`
	GroupID           string            `json:"group_id,omitempty"`
	NotificationCount int               `json:"notification_count"`
}

// Clone returns detached copy of alert instance.
func (a AlertInstance) Clone() AlertInstance {
	out := a
	out.Labels = CloneLabels(a.Labels)
	out.Annotations = CloneLabels(a.Annotations)
	if a.ResolvedAt != nil {
		resolvedAt := *a.ResolvedAt
		out.ResolvedAt = &resolvedAt
	}
	if a.AcknowledgedAt != nil {
		acknowledgedAt := *a.AcknowledgedAt
		out.AcknowledgedAt = &acknowledgedAt
	}
	return out
}

// Notification converts alert instance into notification payload.
// Params: none.
// Returns: notification message sharing alert identity and labels.
func (a AlertInstance) Notification() NotificationMessage {
	return NotificationMessage{
		AlertID:     a.AlertID,
		Title:       a.Title,
		Message:     a.Message,
		Severity:    a.Severity,
		Timestamp:   a.CreatedAt,
		Labels:      CloneLabels(a.Labels),
		Annotations: CloneLabels(a.Annotations),
	}
}

// NotificationMessage is the payload passed between rules, grouping, dedup, and channels.
// Params: alert identity, text, severity, timestamp, labels, and annotations.
// Returns: value object delivered by notification channels.
type NotificationMessage struct {
	AlertID     string            `json:"alert_id"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Severity    Severity          `json:"severity"`
	Timestamp   time.Time         `json:"timestamp"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	AlertURL    string            `json:"alert_url,omitempty"`
}

// Clone returns detached copy of message maps.
func (m NotificationMessage) Clone() NotificationMessage {
	out := m
	out.Labels = CloneLabels(m.Labels)
	out.Annotations = CloneLabels(m.Annotations)
	return out
}

// NotificationStatus is delivery status of one channel attempt.
type NotificationStatus string

const (
	NotificationPending     NotificationStatus = "pending"
	NotificationSent        NotificationStatus = "sent"
	NotificationFailed      NotificationStatus = "failed"
	NotificationRetrying    NotificationStatus = "retrying"
	NotificationRateLimited NotificationStatus = "rate_limited"
)

// NotificationResult is immutable per-channel delivery outcome.
// Params: success flag, status, human message, delivery time, retries, and error details.
// Returns: result reported by notification manager.
type NotificationResult struct {
	Channel      string             `json:"channel"`
	Success      bool               `json:"success"`
	Status       NotificationStatus `json:"status"`
	Message      string             `json:"message"`
	DeliveryTime *time.Time         `json:"delivery_time,omitempty"`
	RetryCount   int                `json:"retry_count"`
	ErrorDetails string             `json:"error_details,omitempty"`
}

package notify

import (
	"context"
	"net/http"
	"strings"

	"alertcore/internal/config"
	"alertcore/internal/domain"
	"alertcore/internal/templatefmt"
)

var defaultPagerDutySeverity = map[domain.Severity]string{
	domain.SeverityInfo:     "info",
	domain.SeverityLow:      "info",
	domain.SeverityMedium:   "warning",
	domain.SeverityHigh:     "error",
	domain.SeverityCritical: "critical",
}

type pagerDutyLink struct {
	Href string `json:"href"`
	Text string `json:"text,omitempty"`
}

type pagerDutyDetails struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	Timestamp     string         `json:"timestamp"`
	CustomDetails map[string]any `json:"custom_details,omitempty"`
}

type pagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key"`
	Payload     pagerDutyDetails `json:"payload"`
	Links       []pagerDutyLink  `json:"links,omitempty"`
}

// PagerDutySender triggers Events API v2 incidents keyed by alert ID.
type PagerDutySender struct {
	integrationKey string
	eventsURL      string
	severities     map[domain.Severity]string
	client         *http.Client
}

func newPagerDutySender(cfg config.ChannelConfig, client *http.Client) (*PagerDutySender, error) {
	severities := make(map[domain.Severity]string, len(defaultPagerDutySeverity))
	for severity, mapped := range defaultPagerDutySeverity {
		severities[severity] = mapped
	}
	for raw, mapped := range cfg.SeverityMapping {
		severity, err := domain.ParseSeverity(raw)
		if err != nil {
			return nil, err
		}
		severities[severity] = strings.ToLower(strings.TrimSpace(mapped))
	}
	eventsURL := strings.TrimSpace(cfg.EventsURL)
	if eventsURL == "" {
		eventsURL = "https://events.pagerduty.com/v2/enqueue"
	}
	return &PagerDutySender{
		integrationKey: cfg.IntegrationKey,
		eventsURL:      eventsURL,
		severities:     severities,
		client:         client,
	}, nil
}

// Send enqueues trigger event; repeated triggers for one alert coalesce on dedup_key.
func (s *PagerDutySender) Send(ctx context.Context, msg domain.NotificationMessage) error {
	return sendJSON(ctx, s.client, http.MethodPost, s.eventsURL, nil, s.event(msg), "pagerduty")
}

func (s *PagerDutySender) event(msg domain.NotificationMessage) pagerDutyEvent {
	source := msg.Labels["service"]
	if source == "" {
		source = "alertcore"
	}
	severity, ok := s.severities[msg.Severity]
	if !ok {
		severity = "warning"
	}
	event := pagerDutyEvent{
		RoutingKey:  s.integrationKey,
		EventAction: "trigger",
		DedupKey:    msg.AlertID,
		Payload: pagerDutyDetails{
			Summary:   msg.Title,
			Source:    source,
			Severity:  severity,
			Timestamp: templatefmt.FormatTime(msg.Timestamp),
			CustomDetails: map[string]any{
				"message":     msg.Message,
				"labels":      msg.Labels,
				"annotations": msg.Annotations,
			},
		},
	}
	if msg.AlertURL != "" {
		event.Links = []pagerDutyLink{{Href: msg.AlertURL, Text: "Alert"}}
	}
	return event
}

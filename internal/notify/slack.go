package notify

import (
	"context"
	"net/http"
	"strings"

	"alertcore/internal/config"
	"alertcore/internal/domain"
	"alertcore/internal/templatefmt"
)

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text"`
	Fields    []slackField `json:"fields"`
	Footer    string       `json:"footer"`
	Timestamp int64        `json:"ts"`
}

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

// SlackSender posts attachments to Slack incoming webhook.
type SlackSender struct {
	webhookURL string
	channel    string
	username   string
	iconEmoji  string
	client     *http.Client
}

func newSlackSender(cfg config.ChannelConfig, client *http.Client) (*SlackSender, error) {
	return &SlackSender{
		webhookURL: strings.TrimSpace(cfg.WebhookURL),
		channel:    cfg.SlackChannel,
		username:   cfg.Username,
		iconEmoji:  cfg.IconEmoji,
		client:     client,
	}, nil
}

// Send posts one attachment with severity-colored sidebar and label fields.
func (s *SlackSender) Send(ctx context.Context, msg domain.NotificationMessage) error {
	return sendJSON(ctx, s.client, http.MethodPost, s.webhookURL, nil, s.payload(msg), "slack")
}

func (s *SlackSender) payload(msg domain.NotificationMessage) slackPayload {
	fields := []slackField{
		{Title: "Severity", Value: strings.ToUpper(string(msg.Severity)), Short: true},
		{Title: "Alert ID", Value: msg.AlertID, Short: true},
	}
	for _, key := range templatefmt.SortedKeys(msg.Labels) {
		fields = append(fields, slackField{Title: key, Value: msg.Labels[key], Short: true})
	}
	return slackPayload{
		Channel:   s.channel,
		Username:  s.username,
		IconEmoji: s.iconEmoji,
		Text:      "[" + strings.ToUpper(string(msg.Severity)) + "] " + msg.Title,
		Attachments: []slackAttachment{{
			Color:     templatefmt.SeverityColor(msg.Severity),
			Title:     msg.Title,
			TitleLink: msg.AlertURL,
			Text:      msg.Message,
			Fields:    fields,
			Footer:    "alertcore",
			Timestamp: msg.Timestamp.Unix(),
		}},
	}
}

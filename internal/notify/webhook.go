package notify

import (
	"context"
	"net/http"
	"strings"

	"alertcore/internal/config"
	"alertcore/internal/domain"
)

// WebhookSender posts raw notification JSON to configured endpoint.
type WebhookSender struct {
	url     string
	method  string
	headers map[string]string
	client  *http.Client
}

func newWebhookSender(cfg config.ChannelConfig, client *http.Client) (*WebhookSender, error) {
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	return &WebhookSender{
		url:     strings.TrimSpace(cfg.URL),
		method:  method,
		headers: domain.CloneLabels(cfg.Headers),
		client:  client,
	}, nil
}

// Send delivers message JSON with configured method and headers.
func (s *WebhookSender) Send(ctx context.Context, msg domain.NotificationMessage) error {
	return sendJSON(ctx, s.client, s.method, s.url, s.headers, msg, "webhook")
}

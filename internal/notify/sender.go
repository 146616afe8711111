package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"alertcore/internal/alerterr"
	"alertcore/internal/config"
	"alertcore/internal/domain"
	"alertcore/internal/permanent"
)

// Sender performs one delivery attempt over one transport.
// Params: context and notification message.
// Returns: transport error; permanent.Mark marks errors retrying cannot fix.
type Sender interface {
	Send(ctx context.Context, msg domain.NotificationMessage) error
}

// SenderFunc adapts function to Sender.
type SenderFunc func(ctx context.Context, msg domain.NotificationMessage) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg domain.NotificationMessage) error {
	return f(ctx, msg)
}

// NewSender builds transport sender for channel type.
// Params: channel config and logger.
// Returns: sender or configuration error raised at construction time.
func NewSender(cfg config.ChannelConfig, logger *slog.Logger) (Sender, error) {
	if err := config.ValidateChannel(cfg); err != nil {
		return nil, alerterr.Config("invalid channel settings", err).With("channel", cfg.Name)
	}
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second}
	var (
		sender Sender
		err    error
	)
	switch cfg.Type {
	case config.ChannelTypeEmail:
		sender, err = newEmailSender(cfg)
	case config.ChannelTypeSlack:
		sender, err = newSlackSender(cfg, client)
	case config.ChannelTypePagerDuty:
		sender, err = newPagerDutySender(cfg, client)
	case config.ChannelTypeWebhook:
		sender, err = newWebhookSender(cfg, client)
	case config.ChannelTypeTelegram:
		sender, err = newTelegramSender(cfg)
	case config.ChannelTypeNATS:
		sender, err = newNATSSender(cfg, logger)
	default:
		err = fmt.Errorf("unsupported channel type %q", cfg.Type)
	}
	if err != nil {
		return nil, alerterr.Config("build channel sender", err).With("channel", cfg.Name).With("type", cfg.Type)
	}
	return sender, nil
}

// sendJSON issues one JSON request and classifies failing HTTP statuses.
// Params: client, method, URL, extra headers, payload, and label for errors.
// Returns: transport error or status error marked permanent for non-retryable 4xx.
func sendJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, payload any, label string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return permanent.Mark(fmt.Errorf("encode %s payload: %w", label, err))
	}
	request, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return permanent.Mark(fmt.Errorf("build %s request: %w", label, err))
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("%s send: %w", label, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return permanent.MarkHTTPStatus(response.StatusCode, unexpectedHTTPStatusError(label, response))
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4096))
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}

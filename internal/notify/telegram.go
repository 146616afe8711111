package notify

import (
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strconv"
	"strings"

	"alertcore/internal/config"
	"alertcore/internal/domain"
	"alertcore/internal/templatefmt"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

const telegramHTML = `<b>[{{printf "%s" .Severity | upper}}] {{.Title}}</b>
{{.Message}}
{{- range $key := sortedKeys .Labels}}
<code>{{$key}}</code>={{index $.Labels $key}}
{{- end}}
{{- if .AlertURL}}
<a href="{{.AlertURL}}">open</a>
{{- end}}`

var telegramTemplate = htmltemplate.Must(templatefmt.ParseHTML("telegram", telegramHTML))

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot token, chat id, and base URL.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client *tgbot.Bot
	chatID any
}

func newTelegramSender(cfg config.ChannelConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram chat_id is required")
	}
	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); base != "" {
		options = append(options, tgbot.WithServerURL(base))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return &TelegramSender{client: botClient, chatID: normalizeChatID(cfg.ChatID)}, nil
}

// Send posts one HTML formatted message to Telegram chat.
func (s *TelegramSender) Send(ctx context.Context, msg domain.NotificationMessage) error {
	text, err := templatefmt.Render(telegramTemplate, msg)
	if err != nil {
		return fmt.Errorf("render telegram message: %w", err)
	}
	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps channel usernames as string.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"alertcore/internal/config"
	"alertcore/internal/permanent"
	"alertcore/test/testutil"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		received []capturedRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		received = append(received, capturedRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(server.Close)
	return server, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), received...)
	}
}

func buildSender(t *testing.T, cfg config.ChannelConfig) Sender {
	t.Helper()
	sender, err := NewSender(cfg, nil)
	require.NoError(t, err)
	return sender
}

func TestWebhookSenderUsesMethodAndHeaders(t *testing.T) {
	t.Parallel()

	server, received := captureServer(t, http.StatusOK)
	sender := buildSender(t, config.ChannelConfig{
		Name:    "hook",
		Type:    config.ChannelTypeWebhook,
		URL:     server.URL + "/alerts",
		Method:  "put",
		Headers: map[string]string{"X-Token": "secret"},
	})
	require.NoError(t, sender.Send(context.Background(), testMessage()))

	requests := received()
	require.Len(t, requests, 1)
	require.Equal(t, http.MethodPut, requests[0].Method)
	require.Equal(t, "/alerts", requests[0].Path)
	require.Equal(t, "secret", requests[0].Header.Get("X-Token"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(requests[0].Body, &body))
	require.Equal(t, "alert-1", body["alert_id"])
	require.Equal(t, "high", body["severity"])
}

func TestHTTPStatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		permanent bool
	}{
		{status: http.StatusBadRequest, permanent: true},
		{status: http.StatusUnauthorized, permanent: true},
		{status: http.StatusTooManyRequests, permanent: false},
		{status: http.StatusBadGateway, permanent: false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			t.Parallel()
			server, _ := captureServer(t, tt.status)
			sender := buildSender(t, config.ChannelConfig{Name: "hook", Type: config.ChannelTypeWebhook, URL: server.URL})
			err := sender.Send(context.Background(), testMessage())
			require.Error(t, err)
			require.Contains(t, err.Error(), fmt.Sprintf("status=%d", tt.status))
			require.Equal(t, tt.permanent, permanent.Is(err))
		})
	}
}

func TestSlackPayload(t *testing.T) {
	t.Parallel()

	server, received := captureServer(t, http.StatusOK)
	sender := buildSender(t, config.ChannelConfig{
		Name:         "slack",
		Type:         config.ChannelTypeSlack,
		WebhookURL:   server.URL,
		SlackChannel: "#ops",
		IconEmoji:    ":rotating_light:",
	})
	require.NoError(t, sender.Send(context.Background(), testMessage()))

	var payload slackPayload
	require.NoError(t, json.Unmarshal(received()[0].Body, &payload))
	require.Equal(t, "#ops", payload.Channel)
	require.Len(t, payload.Attachments, 1)
	attachment := payload.Attachments[0]
	require.Equal(t, "#ff9900", attachment.Color)
	require.Equal(t, "error rate high", attachment.Title)
	titles := make([]string, 0, len(attachment.Fields))
	for _, field := range attachment.Fields {
		titles = append(titles, field.Title)
	}
	require.Equal(t, []string{"Severity", "Alert ID", "env", "service"}, titles)
}

func TestPagerDutyTriggerEvent(t *testing.T) {
	t.Parallel()

	server, received := captureServer(t, http.StatusAccepted)
	sender := buildSender(t, config.ChannelConfig{
		Name:            "pd",
		Type:            config.ChannelTypePagerDuty,
		IntegrationKey:  "routing-key",
		EventsURL:       server.URL + "/v2/enqueue",
		SeverityMapping: map[string]string{"high": "critical"},
	})
	require.NoError(t, sender.Send(context.Background(), testMessage()))
	require.NoError(t, sender.Send(context.Background(), testMessage()))

	requests := received()
	require.Len(t, requests, 2)
	for _, request := range requests {
		var event pagerDutyEvent
		require.NoError(t, json.Unmarshal(request.Body, &event))
		require.Equal(t, "trigger", event.EventAction)
		require.Equal(t, "alert-1", event.DedupKey, "repeated triggers share dedup key")
		require.Equal(t, "routing-key", event.RoutingKey)
		require.Equal(t, "critical", event.Payload.Severity)
		require.Equal(t, "api", event.Payload.Source)
	}
}

func TestEmailCompose(t *testing.T) {
	t.Parallel()

	sender, err := newEmailSender(config.ChannelConfig{
		SMTPHost: "smtp.example.com",
		From:     "alerts@example.com",
		To:       []string{"a@example.com", "b@example.com"},
	})
	require.NoError(t, err)
	msg := testMessage()
	msg.Message = "<script>alert(1)</script>"

	raw, err := sender.compose(msg)
	require.NoError(t, err)
	text := string(raw)
	require.Contains(t, text, "To: a@example.com, b@example.com\r\n")
	require.Contains(t, text, "Content-Type: text/html")
	require.Contains(t, text, "border-left: 6px solid #ff9900")
	require.Contains(t, text, "&lt;script&gt;")
	require.NotContains(t, text, "<script>")
	require.Equal(t, 587, sender.port)
}

func TestTelegramSenderPostsHTML(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		form map[string]string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			http.Error(w, "unexpected path", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(2 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		form = map[string]string{
			"chat_id":    r.FormValue("chat_id"),
			"text":       r.FormValue("text"),
			"parse_mode": r.FormValue("parse_mode"),
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":1,"chat":{"id":-100,"type":"group"}}}`))
	}))
	defer server.Close()

	sender := buildSender(t, config.ChannelConfig{
		Name:     "tg",
		Type:     config.ChannelTypeTelegram,
		BotToken: "token",
		ChatID:   "-100",
		APIBase:  server.URL,
	})
	require.NoError(t, sender.Send(context.Background(), testMessage()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "-100", form["chat_id"])
	require.Equal(t, "HTML", form["parse_mode"])
	require.True(t, strings.HasPrefix(form["text"], "<b>[HIGH] error rate high</b>"))
	require.Contains(t, form["text"], "<code>service</code>=api")
}

func TestNATSSenderPublishes(t *testing.T) {
	url, stop := testutil.StartLocalNATSServer(t)
	defer stop()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	sub, err := nc.SubscribeSync("alertcore.notifications")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	sender := buildSender(t, config.ChannelConfig{
		Name:    "bus",
		Type:    config.ChannelTypeNATS,
		NATSURL: []string{url},
		Subject: "alertcore.notifications",
	})
	defer sender.(*NATSSender).Close()
	require.NoError(t, sender.Send(context.Background(), testMessage()))

	msg, err := sub.NextMsg(testutil.NATSWaitTimeout)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	require.Equal(t, "alert-1", body["alert_id"])
}

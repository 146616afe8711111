package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"alertcore/internal/config"
	"alertcore/internal/domain"
	"alertcore/internal/logging"
	"alertcore/internal/permanent"

	"github.com/nats-io/nats.go"
)

const notifyStreamMaxAge = 24 * time.Hour

// NATSSender publishes notification JSON to a NATS subject.
// With stream configured, messages go through JetStream with Nats-Msg-Id dedup.
type NATSSender struct {
	url     string
	subject string
	stream  string
	logger  *slog.Logger

	mu sync.Mutex
	nc *nats.Conn
	js nats.JetStreamContext
}

func newNATSSender(cfg config.ChannelConfig, logger *slog.Logger) (*NATSSender, error) {
	if len(cfg.NATSURL) == 0 {
		return nil, errors.New("nats_url is required")
	}
	return &NATSSender{
		url:     strings.Join(cfg.NATSURL, ","),
		subject: strings.TrimSpace(cfg.Subject),
		stream:  strings.TrimSpace(cfg.Stream),
		logger:  logging.OrDiscard(logger),
	}, nil
}

// Send publishes message; connection is opened lazily and reused.
func (s *NATSSender) Send(ctx context.Context, msg domain.NotificationMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return permanent.Mark(fmt.Errorf("marshal nats notification: %w", err))
	}
	nc, js, err := s.connect()
	if err != nil {
		return err
	}
	if js == nil {
		if err := nc.Publish(s.subject, body); err != nil {
			return fmt.Errorf("publish nats notification: %w", err)
		}
		return nc.FlushWithContext(ctx)
	}

	out := nats.NewMsg(s.subject)
	out.Data = body
	if msg.AlertID != "" {
		out.Header.Set("Nats-Msg-Id", msg.AlertID+":"+strconv.FormatInt(msg.Timestamp.UnixNano(), 10))
	}
	if _, err := js.PublishMsg(out, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish nats notification: %w", err)
	}
	return nil
}

func (s *NATSSender) connect() (*nats.Conn, nats.JetStreamContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc != nil && !s.nc.IsClosed() {
		return s.nc, s.js, nil
	}
	nc, err := nats.Connect(s.url, nats.Name("alertcore-notify"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect notify nats: %w", err)
	}
	var js nats.JetStreamContext
	if s.stream != "" {
		js, err = nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, nil, fmt.Errorf("jetstream init for notify: %w", err)
		}
		if err := ensureStream(js, s.stream, s.subject); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	s.nc, s.js = nc, js
	s.logger.Info("notify nats connected", "url", s.url, "subject", s.subject, "stream", s.stream)
	return nc, js, nil
}

// Close closes NATS connection when opened.
func (s *NATSSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc != nil {
		s.nc.Close()
		s.nc, s.js = nil, nil
	}
	return nil
}

// ensureStream ensures JetStream stream exists for notification subject.
func ensureStream(js nats.JetStreamContext, streamName, subject string) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subject},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     notifyStreamMaxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

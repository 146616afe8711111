package ingest

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"alertcore/internal/config"
	"alertcore/internal/logging"

	"github.com/nats-io/nats.go"
)

// NATSSubscriber consumes metric events from NATS and forwards them to sink.
// With stream configured it binds a durable JetStream queue consumer with explicit acks.
type NATSSubscriber struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSSubscriber creates subscription for metric ingestion.
// Params: ingest NATS config, sink, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink EventSink, logger *slog.Logger) (*NATSSubscriber, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("alertcore-ingest"))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	subscriber := &NATSSubscriber{nc: nc, logger: logging.OrDiscard(logger)}

	if strings.TrimSpace(cfg.Stream) == "" {
		sub, err := nc.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(message *nats.Msg) {
			subscriber.handle(message, sink, false, 0)
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("subscribe %q: %w", cfg.Subject, err)
		}
		subscriber.sub = sub
		return subscriber, nil
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, func(message *nats.Msg) {
		subscriber.handle(message, sink, true, nackDelay)
	}, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

// handle decodes one message; undecodable payloads are acked and dropped.
func (s *NATSSubscriber) handle(message *nats.Msg, sink EventSink, jetstream bool, nackDelay time.Duration) {
	events, err := decodePayload(message.Data)
	if err != nil {
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err)
		if jetstream {
			s.ackMessage(message, "decode")
		}
		return
	}
	if err := pushEvents(sink, events); err != nil {
		s.logger.Error("nats ingest push failed", "subject", message.Subject, "error", err)
		if jetstream {
			s.nackMessage(message, nackDelay)
		}
		return
	}
	if jetstream {
		s.ackMessage(message, "processed")
	}
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err)
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err)
	}
}

// Close drains subscription and closes connection.
// Params: none.
// Returns: drain error.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}

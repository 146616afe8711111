package e2e

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"alertcore/internal/domain"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

const (
	e2eEventsStream = "ALERTCORE_EVENTS"
	e2eEventsSubj   = "alertcore.events"
	e2eNotifySubj   = "alertcore.notifications"
	e2eStateBucket  = "alerts_e2e"
)

// publishMetric publishes one metric event stamped with current time.
func publishMetric(tb testing.TB, js nats.JetStreamContext, metric string, value float64, labels map[string]string) {
	tb.Helper()

	body, err := json.Marshal(map[string]any{
		"metric": metric,
		"dt":     time.Now().UnixMilli(),
		"value":  value,
		"labels": labels,
	})
	require.NoError(tb, err)
	_, err = js.Publish(e2eEventsSubj, body)
	require.NoError(tb, err)
}

// notificationCollector records notifications published by the nats channel.
type notificationCollector struct {
	mu       sync.Mutex
	messages []domain.NotificationMessage
}

func (c *notificationCollector) handle(message *nats.Msg) {
	var notification domain.NotificationMessage
	if err := json.Unmarshal(message.Data, &notification); err != nil {
		return
	}
	c.mu.Lock()
	c.messages = append(c.messages, notification)
	c.mu.Unlock()
}

// titles returns collected notification titles in arrival order.
func (c *notificationCollector) titles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.messages))
	for _, message := range c.messages {
		out = append(out, message.Title)
	}
	return out
}

// storedAlerts decodes every alert held in the state bucket.
func storedAlerts(tb testing.TB, js nats.JetStreamContext, bucket string) []domain.AlertInstance {
	tb.Helper()

	kv, err := js.KeyValue(bucket)
	require.NoError(tb, err)
	keys, err := kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil
	}
	require.NoError(tb, err)
	out := make([]domain.AlertInstance, 0, len(keys))
	for _, key := range keys {
		entry, err := kv.Get(key)
		require.NoError(tb, err)
		var alert domain.AlertInstance
		require.NoError(tb, json.Unmarshal(entry.Value(), &alert))
		out = append(out, alert)
	}
	return out
}

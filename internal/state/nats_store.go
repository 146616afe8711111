package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"alertcore/internal/config"
	"alertcore/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists alert instances in a JetStream KV bucket.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed state store implementation.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore opens or creates KV bucket and returns NATS state backend.
// Params: state settings with URL list and bucket name.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.StateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","), nats.Name("alertcore-state"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	kv, err := js.KeyValue(settings.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      settings.Bucket,
			Description: "alertcore alert instances",
			History:     1,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open alert bucket %q: %w", settings.Bucket, err)
	}
	return &NATSStore{nc: nc, kv: kv}, nil
}

// Get reads one alert and its KV revision.
// Params: alert ID key.
// Returns: alert, revision, or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, alertID string) (domain.AlertInstance, uint64, error) {
	entry, err := s.kv.Get(alertID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.AlertInstance{}, 0, ErrNotFound
		}
		return domain.AlertInstance{}, 0, fmt.Errorf("get alert: %w", err)
	}
	var alert domain.AlertInstance
	if err := json.Unmarshal(entry.Value(), &alert); err != nil {
		return domain.AlertInstance{}, 0, fmt.Errorf("decode alert: %w", err)
	}
	return alert, entry.Revision(), nil
}

// Put writes alert unconditionally.
// Params: alert instance.
// Returns: new KV revision.
func (s *NATSStore) Put(_ context.Context, alert domain.AlertInstance) (uint64, error) {
	body, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("encode alert: %w", err)
	}
	rev, err := s.kv.Put(alert.AlertID, body)
	if err != nil {
		return 0, fmt.Errorf("put alert: %w", err)
	}
	return rev, nil
}

// Update replaces alert using expected revision CAS.
// Params: replacement alert and expected revision.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) Update(_ context.Context, alert domain.AlertInstance, expectedRevision uint64) (uint64, error) {
	body, err := json.Marshal(alert)
	if err != nil {
		return 0, fmt.Errorf("encode alert: %w", err)
	}
	rev, err := s.kv.Update(alert.AlertID, body, expectedRevision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update alert: %w", err)
	}
	return rev, nil
}

// Delete removes alert key.
func (s *NATSStore) Delete(_ context.Context, alertID string) error {
	if err := s.kv.Delete(alertID); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete alert: %w", err)
	}
	return nil
}

// List reads every alert in bucket ordered by creation time.
func (s *NATSStore) List(ctx context.Context) ([]domain.AlertInstance, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	out := make([]domain.AlertInstance, 0, len(keys))
	for _, key := range keys {
		alert, _, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	sortByCreated(out)
	return out, nil
}

// ListByRule returns alerts fired by rule.
func (s *NATSStore) ListByRule(ctx context.Context, ruleName string) ([]domain.AlertInstance, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return filterByRule(all, ruleName), nil
}

// Close closes underlying NATS connection.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}

// Open builds store selected by state.backend.
// Params: state settings.
// Returns: memory or NATS store.
func Open(settings config.StateConfig) (Store, error) {
	switch settings.Backend {
	case "", config.StateBackendMemory:
		return NewMemoryStore(), nil
	case config.StateBackendNATS:
		return NewNATSStore(settings)
	default:
		return nil, fmt.Errorf("unsupported state backend %q", settings.Backend)
	}
}

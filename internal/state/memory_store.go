package state

import (
	"context"
	"sort"
	"sync"

	"alertcore/internal/domain"
)

// MemoryStore keeps alert instances in process memory for single-instance mode.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]memoryAlert
}

type memoryAlert struct {
	alert    domain.AlertInstance
	revision uint64
}

// NewMemoryStore creates in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]memoryAlert)}
}

// Get returns alert copy and revision.
// Params: alert ID key.
// Returns: stored alert, revision, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, alertID string) (domain.AlertInstance, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.alerts[alertID]
	if !ok {
		return domain.AlertInstance{}, 0, ErrNotFound
	}
	return entry.alert.Clone(), entry.revision, nil
}

// Put writes alert unconditionally.
// Params: alert instance.
// Returns: new revision.
func (s *MemoryStore) Put(_ context.Context, alert domain.AlertInstance) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.alerts[alert.AlertID].revision + 1
	s.alerts[alert.AlertID] = memoryAlert{alert: alert.Clone(), revision: rev}
	return rev, nil
}

// Update replaces alert using expected revision CAS.
// Params: replacement alert and expected revision.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) Update(_ context.Context, alert domain.AlertInstance, expectedRevision uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.alerts[alert.AlertID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.alerts[alert.AlertID] = memoryAlert{alert: alert.Clone(), revision: rev}
	return rev, nil
}

// Delete removes alert; absent keys are ignored.
func (s *MemoryStore) Delete(_ context.Context, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alerts, alertID)
	return nil
}

// List returns all alerts ordered by creation time.
func (s *MemoryStore) List(_ context.Context) ([]domain.AlertInstance, error) {
	s.mu.RLock()
	out := make([]domain.AlertInstance, 0, len(s.alerts))
	for _, entry := range s.alerts {
		out = append(out, entry.alert.Clone())
	}
	s.mu.RUnlock()
	sortByCreated(out)
	return out, nil
}

// ListByRule returns alerts fired by rule.
func (s *MemoryStore) ListByRule(ctx context.Context, ruleName string) ([]domain.AlertInstance, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return filterByRule(all, ruleName), nil
}

// Close releases memory store resources.
func (s *MemoryStore) Close() error {
	return nil
}

func sortByCreated(alerts []domain.AlertInstance) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].AlertID < alerts[j].AlertID
		}
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
}

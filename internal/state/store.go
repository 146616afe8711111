// Package state persists alert instances for the alert manager.
package state

import (
	"context"
	"errors"

	"alertcore/internal/domain"
)

var (
	// ErrNotFound indicates absent alert instance.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")
)

// Store provides alert instance persistence operations.
// Params: CRUD operations keyed by alert ID plus rule-level listing.
// Returns: backend persistence behavior.
type Store interface {
	Get(ctx context.Context, alertID string) (domain.AlertInstance, uint64, error)
	Put(ctx context.Context, alert domain.AlertInstance) (uint64, error)
	Update(ctx context.Context, alert domain.AlertInstance, expectedRevision uint64) (uint64, error)
	Delete(ctx context.Context, alertID string) error
	List(ctx context.Context) ([]domain.AlertInstance, error)
	ListByRule(ctx context.Context, ruleName string) ([]domain.AlertInstance, error)
	Close() error
}

func filterByRule(alerts []domain.AlertInstance, ruleName string) []domain.AlertInstance {
	out := make([]domain.AlertInstance, 0)
	for _, alert := range alerts {
		if alert.RuleName == ruleName {
			out = append(out, alert)
		}
	}
	return out
}

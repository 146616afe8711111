package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"alertcore/internal/config"
	"alertcore/internal/domain"
	"alertcore/test/testutil"
)

func TestNATSStoreCRUDIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in short mode")
	}

	url, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	store, err := NewNATSStore(config.StateConfig{
		Backend: config.StateBackendNATS,
		URL:     []string{url},
		Bucket:  "alerts_test",
	})
	if err != nil {
		t.Fatalf("new nats store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	alert := domain.AlertInstance{
		AlertID:   "a-1",
		RuleName:  "r",
		Severity:  domain.SeverityHigh,
		Status:    domain.AlertStatusActive,
		CreatedAt: time.Now().UTC(),
	}
	rev, err := store.Put(ctx, alert)
	if err != nil {
		t.Fatalf("put alert: %v", err)
	}
	loaded, gotRev, err := store.Get(ctx, alert.AlertID)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if gotRev != rev || loaded.RuleName != "r" || loaded.Severity != domain.SeverityHigh {
		t.Fatalf("unexpected alert/revision: alert=%+v rev=%d expected=%d", loaded, gotRev, rev)
	}

	loaded.Status = domain.AlertStatusResolved
	if _, err := store.Update(ctx, loaded, gotRev); err != nil {
		t.Fatalf("update alert: %v", err)
	}
	if _, err := store.Update(ctx, loaded, gotRev); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	byRule, err := store.ListByRule(ctx, "r")
	if err != nil || len(byRule) != 1 || byRule[0].Status != domain.AlertStatusResolved {
		t.Fatalf("unexpected list: %#v err=%v", byRule, err)
	}

	if err := store.Delete(ctx, alert.AlertID); err != nil {
		t.Fatalf("delete alert: %v", err)
	}
	if _, _, err := store.Get(ctx, alert.AlertID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

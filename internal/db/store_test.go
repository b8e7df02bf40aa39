package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/safeshift/backend/internal/models"
)

func TestStoreAlertLifecycleIntegration(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	store, err := New(ctx, url)
	if err != nil {
		t.Fatalf("db connect: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	subject := "it-" + uuid.NewString()
	alert := &models.Alert{
		SubjectID: subject,
		Category:  "extreme_observation",
		Severity:  models.SeverityHigh,
		Message:   "latest observation scored 93",
		Origin:    models.OriginAnomaly,
		Evidence:  map[string]any{"score": 93},
		CreatedAt: time.Now().UTC(),
	}
	err = store.WithAlertTx(ctx, func(tx AlertTx) error {
		if err := tx.LockAlertKeys(ctx, subject, []string{alert.Category}); err != nil {
			return err
		}
		existing, err := tx.FindActiveAlert(ctx, subject, alert.Category, time.Now().Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if existing != nil {
			t.Fatalf("expected no active alert, got %+v", existing)
		}
		return tx.InsertAlert(ctx, alert)
	})
	if err != nil {
		t.Fatalf("alert tx: %v", err)
	}

	active, err := store.ListActiveAlerts(ctx, subject, 10)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].Severity != models.SeverityHigh {
		t.Fatalf("unexpected active alerts: %+v", active)
	}

	ok, err := store.ResolveAlert(ctx, alert.ID, Resolution{By: "it", Action: "acknowledged", At: time.Now().UTC()})
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}
	ok, err = store.ResolveAlert(ctx, alert.ID, Resolution{By: "it", At: time.Now().UTC()})
	if err != nil || ok {
		t.Fatalf("second resolve should be a no-op: ok=%v err=%v", ok, err)
	}
}

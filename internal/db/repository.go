package db

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/safeshift/backend/internal/models"
)

var ErrNotFound = errors.New("not found")

const (
	DefaultAlertLimit = 50
	MaxAlertLimit     = 200
)

// AlertCount is the number of unresolved alerts for one category and severity.
type AlertCount struct {
	Category string
	Severity models.Severity
	Count    int
}

type Resolution struct {
	By     string
	Note   string
	Action string
	At     time.Time
}

// AlertTx is the view of the alert table inside one evaluation transaction.
// Inserts become visible to later lookups in the same transaction and are
// discarded together if the transaction fails.
type AlertTx interface {
	// LockAlertKeys serializes check-then-insert for a subject's categories.
	// Keys are taken in sorted order and held until the transaction ends, so
	// concurrent evaluations cannot wait on each other in a cycle.
	LockAlertKeys(ctx context.Context, subjectID string, categories []string) error
	FindActiveAlert(ctx context.Context, subjectID, category string, since time.Time) (*models.Alert, error)
	InsertAlert(ctx context.Context, a *models.Alert) error
	CountUnresolvedExcept(ctx context.Context, subjectID, category string) (int, error)
}

type Repository interface {
	Ping(ctx context.Context) error
	Close()

	InsertObservation(ctx context.Context, o *models.ShiftObservation) error
	UpdateObservation(ctx context.Context, o *models.ShiftObservation) error
	GetObservation(ctx context.Context, id string) (models.ShiftObservation, error)
	ListObservations(ctx context.Context, subjectID string, since time.Time) ([]models.ShiftObservation, error)
	CountObservations(ctx context.Context, subjectID string) (int, error)

	SaveInsight(ctx context.Context, observationID string, insight models.ComposedInsight) error
	GetInsight(ctx context.Context, observationID string) (models.ComposedInsight, error)

	WithAlertTx(ctx context.Context, fn func(tx AlertTx) error) error
	GetAlert(ctx context.Context, id string) (models.Alert, error)
	ResolveAlert(ctx context.Context, id string, r Resolution) (bool, error)
	ListActiveAlerts(ctx context.Context, subjectID string, limit int) ([]models.Alert, error)
	CountUnresolvedAlerts(ctx context.Context, subjectID, category string) (int, error)
	CountActiveAlerts(ctx context.Context, subjectID string) ([]AlertCount, error)

	RecordStageRun(ctx context.Context, run models.StageRun) error
	StageStats(ctx context.Context, stage string, since time.Time) ([]models.StageStats, error)
}

func alertKey(subjectID, category string) string {
	return subjectID + ":" + category
}

// alertLimit defaults a non-positive limit and caps the rest.
func alertLimit(limit int) int {
	if limit <= 0 {
		return DefaultAlertLimit
	}
	return min(limit, MaxAlertLimit)
}

func sortedUnique(xs []string) []string {
	out := append([]string(nil), xs...)
	sort.Strings(out)
	return slices.Compact(out)
}

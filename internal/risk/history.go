package risk

import (
	"context"
	"sort"
	"time"

	"github.com/safeshift/backend/internal/models"
)

// HistoryReader returns a subject's observations dated on or after since.
type HistoryReader interface {
	ListObservations(ctx context.Context, subjectID string, since time.Time) ([]models.ShiftObservation, error)
}

func sortByDate(obs []models.ShiftObservation) {
	sort.SliceStable(obs, func(i, j int) bool {
		if obs[i].Date.Equal(obs[j].Date) {
			return obs[i].CreatedAt.Before(obs[j].CreatedAt)
		}
		return obs[i].Date.Before(obs[j].Date)
	})
}

func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Add(-window)
}

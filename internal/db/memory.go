package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/safeshift/backend/internal/models"
)

// MemoryStore keeps everything in process. Alert transactions run under a
// single mutex and their inserts are applied only when fn succeeds.
type MemoryStore struct {
	mu           sync.Mutex
	observations map[string]models.ShiftObservation
	insights     map[string]models.ComposedInsight
	alerts       map[string]models.Alert
	stageRuns    []models.StageRun
	now          func() time.Time
}

var _ Repository = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		observations: map[string]models.ShiftObservation{},
		insights:     map[string]models.ComposedInsight{},
		alerts:       map[string]models.Alert{},
		now:          time.Now,
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() {}

func (m *MemoryStore) InsertObservation(_ context.Context, o *models.ShiftObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := m.now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	m.observations[o.ID] = *o
	return nil
}

func (m *MemoryStore) UpdateObservation(_ context.Context, o *models.ShiftObservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.observations[o.ID]
	if !ok {
		return ErrNotFound
	}
	o.CreatedAt = prev.CreatedAt
	o.UpdatedAt = m.now().UTC()
	m.observations[o.ID] = *o
	return nil
}

func (m *MemoryStore) GetObservation(_ context.Context, id string) (models.ShiftObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.observations[id]
	if !ok {
		return models.ShiftObservation{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryStore) ListObservations(_ context.Context, subjectID string, since time.Time) ([]models.ShiftObservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ShiftObservation
	for _, o := range m.observations {
		if o.SubjectID == subjectID && !o.Date.Before(since) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

func (m *MemoryStore) CountObservations(_ context.Context, subjectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.observations {
		if o.SubjectID == subjectID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveInsight(_ context.Context, observationID string, insight models.ComposedInsight) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.observations[observationID]; !ok {
		return ErrNotFound
	}
	m.insights[observationID] = insight
	return nil
}

func (m *MemoryStore) GetInsight(_ context.Context, observationID string) (models.ComposedInsight, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.insights[observationID]
	if !ok {
		return models.ComposedInsight{}, ErrNotFound
	}
	return in, nil
}

func (m *MemoryStore) WithAlertTx(ctx context.Context, fn func(tx AlertTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memAlertTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, a := range tx.staged {
		m.alerts[a.ID] = a
	}
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return models.Alert{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) ResolveAlert(_ context.Context, id string, r Resolution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.Resolved {
		return false, nil
	}
	at := r.At
	a.Resolved = true
	a.ResolvedAt = &at
	a.ResolvedBy = r.By
	a.ResolutionNote = r.Note
	a.ResolutionAction = r.Action
	m.alerts[id] = a
	return true, nil
}

func (m *MemoryStore) ListActiveAlerts(_ context.Context, subjectID string, limit int) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = alertLimit(limit)
	var out []models.Alert
	for _, a := range m.alerts {
		if a.SubjectID == subjectID && !a.Resolved {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountUnresolvedAlerts(_ context.Context, subjectID, category string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if a.SubjectID == subjectID && !a.Resolved && (category == "" || a.Category == category) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountActiveAlerts(_ context.Context, subjectID string) ([]AlertCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct {
		category string
		severity models.Severity
	}
	counts := map[key]int{}
	for _, a := range m.alerts {
		if a.SubjectID == subjectID && !a.Resolved {
			counts[key{a.Category, a.Severity}]++
		}
	}
	out := make([]AlertCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, AlertCount{Category: k.category, Severity: k.severity, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Severity < out[j].Severity
	})
	return out, nil
}

func (m *MemoryStore) RecordStageRun(_ context.Context, run models.StageRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = m.now().UTC()
	}
	m.stageRuns = append(m.stageRuns, run)
	return nil
}

func (m *MemoryStore) StageStats(_ context.Context, stage string, since time.Time) ([]models.StageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStage := map[string]*models.StageStats{}
	latency := map[string]int64{}
	for _, r := range m.stageRuns {
		if r.CreatedAt.Before(since) || (stage != "" && r.Stage != stage) {
			continue
		}
		st, ok := byStage[r.Stage]
		if !ok {
			st = &models.StageStats{Stage: r.Stage}
			byStage[r.Stage] = st
		}
		st.Calls++
		switch r.Outcome {
		case models.OutcomeRan:
			st.Ran++
		case models.OutcomeDegraded:
			st.Degraded++
		case models.OutcomeSkipped:
			st.Skipped++
			continue
		}
		latency[r.Stage] += r.LatencyMs
	}
	out := make([]models.StageStats, 0, len(byStage))
	for name, st := range byStage {
		if attempted := st.Ran + st.Degraded; attempted > 0 {
			st.AvgLatencyMs = float64(latency[name]) / float64(attempted)
		}
		out = append(out, withSuccessRate(*st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}

type memAlertTx struct {
	store  *MemoryStore
	staged []models.Alert
}

// LockAlertKeys is a no-op: WithAlertTx already holds the store mutex.
func (t *memAlertTx) LockAlertKeys(context.Context, string, []string) error { return nil }

func (t *memAlertTx) FindActiveAlert(_ context.Context, subjectID, category string, since time.Time) (*models.Alert, error) {
	var found *models.Alert
	consider := func(a models.Alert) {
		if a.SubjectID != subjectID || a.Category != category || a.Resolved || a.CreatedAt.Before(since) {
			return
		}
		if found == nil || a.CreatedAt.After(found.CreatedAt) {
			c := a
			found = &c
		}
	}
	for _, a := range t.store.alerts {
		consider(a)
	}
	for _, a := range t.staged {
		consider(a)
	}
	return found, nil
}

func (t *memAlertTx) InsertAlert(_ context.Context, a *models.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	t.staged = append(t.staged, *a)
	return nil
}

func (t *memAlertTx) CountUnresolvedExcept(_ context.Context, subjectID, category string) (int, error) {
	n := 0
	count := func(a models.Alert) {
		if a.SubjectID == subjectID && !a.Resolved && a.Category != category {
			n++
		}
	}
	for _, a := range t.store.alerts {
		count(a)
	}
	for _, a := range t.staged {
		count(a)
	}
	return n, nil
}

package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeshift/backend/internal/db"
	"github.com/safeshift/backend/internal/models"
	"github.com/safeshift/backend/internal/risk"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingRecorder struct {
	mu         sync.Mutex
	created    int
	suppressed int
	resolved   int
}

func (r *countingRecorder) AlertCreated(string, models.Severity) {
	r.mu.Lock()
	r.created++
	r.mu.Unlock()
}

func (r *countingRecorder) AlertSuppressed(string) {
	r.mu.Lock()
	r.suppressed++
	r.mu.Unlock()
}

func (r *countingRecorder) AlertResolved() {
	r.mu.Lock()
	r.resolved++
	r.mu.Unlock()
}

func newTestEngine(t *testing.T, store AlertStore) (*Engine, *clock, *countingRecorder) {
	t.Helper()
	c := newClock()
	rec := &countingRecorder{}
	e := NewEngine(store, Options{
		SampleEvery: -1,
		Now:         c.Now,
		Logger:      zerolog.Nop(),
		Metrics:     rec,
	})
	return e, c, rec
}

func finding(category string, sev models.Severity) models.Finding {
	return models.Finding{Category: category, Severity: sev, Message: category, Origin: models.OriginAnomaly}
}

func TestEvaluateSuppressesWithinCooldown(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	e, _, rec := newTestEngine(t, store)

	f := finding(risk.CategoryExtremeObservation, models.SeverityHigh)
	first, err := e.Evaluate(ctx, "s1", []models.Finding{f})
	require.NoError(t, err)
	require.Len(t, first.Created, 1)

	second, err := e.Evaluate(ctx, "s1", []models.Finding{f})
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	require.Len(t, second.Suppressed, 1)
	assert.Equal(t, first.Created[0].ID, second.Suppressed[0].ActiveAlertID)

	n, err := store.CountUnresolvedAlerts(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, rec.created)
	assert.Equal(t, 1, rec.suppressed)
}

func TestEvaluateDistinctCategoriesBothCreated(t *testing.T) {
	e, _, _ := newTestEngine(t, db.NewMemoryStore())
	ev, err := e.Evaluate(context.Background(), "s1", []models.Finding{
		finding(risk.CategoryConsecutiveHighLoad, models.SeverityMedium),
		finding(risk.CategoryRisingStrain, models.SeverityHigh),
	})
	require.NoError(t, err)
	assert.Len(t, ev.Created, 2)
}

func TestEvaluateSubjectsAreIndependent(t *testing.T) {
	e, _, _ := newTestEngine(t, db.NewMemoryStore())
	f := finding(risk.CategoryExtremeObservation, models.SeverityHigh)
	for _, s := range []string{"s1", "s2"} {
		ev, err := e.Evaluate(context.Background(), s, []models.Finding{f})
		require.NoError(t, err)
		assert.Len(t, ev.Created, 1, s)
	}
}

func TestResolveClearsSuppression(t *testing.T) {
	ctx := context.Background()
	e, _, rec := newTestEngine(t, db.NewMemoryStore())
	f := finding(risk.CategoryExtremeObservation, models.SeverityHigh)

	ev, err := e.Evaluate(ctx, "s1", []models.Finding{f})
	require.NoError(t, err)
	require.Len(t, ev.Created, 1)

	ok, err := e.Resolve(ctx, ev.Created[0].ID, ResolveOptions{By: "supervisor-1"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, rec.resolved)

	ok, err = e.Resolve(ctx, ev.Created[0].ID, ResolveOptions{By: "supervisor-1"})
	require.NoError(t, err)
	assert.False(t, ok, "second resolve is a no-op")

	again, err := e.Evaluate(ctx, "s1", []models.Finding{f})
	require.NoError(t, err)
	assert.Len(t, again.Created, 1)
}

func TestResolveDefaultsActionAndMissingAlert(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	e, _, _ := newTestEngine(t, store)

	ok, err := e.Resolve(ctx, "nope", ResolveOptions{})
	require.NoError(t, err)
	assert.False(t, ok)

	ev, err := e.Evaluate(ctx, "s1", []models.Finding{finding("custom_category", models.SeverityLow)})
	require.NoError(t, err)
	require.Len(t, ev.Created, 1)
	_, err = e.Resolve(ctx, ev.Created[0].ID, ResolveOptions{By: "u", Note: "called"})
	require.NoError(t, err)

	a, err := store.GetAlert(ctx, ev.Created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultResolveAction, a.ResolutionAction)
	assert.Equal(t, "called", a.ResolutionNote)
}

func TestCooldownExpires(t *testing.T) {
	ctx := context.Background()
	e, c, _ := newTestEngine(t, db.NewMemoryStore())
	f := finding(risk.CategoryExtremeObservation, models.SeverityHigh)

	_, err := e.Evaluate(ctx, "s1", []models.Finding{f})
	require.NoError(t, err)

	c.Advance(23 * time.Hour)
	ev, err := e.Evaluate(ctx, "s1", []models.Finding{f})
	require.NoError(t, err)
	assert.Empty(t, ev.Created)

	c.Advance(2 * time.Hour)
	ev, err = e.Evaluate(ctx, "s1", []models.Finding{f})
	require.NoError(t, err)
	assert.Len(t, ev.Created, 1)
}

func TestUnknownCategoryUsesDefaultRule(t *testing.T) {
	e, _, _ := newTestEngine(t, db.NewMemoryStore())
	r := e.Rule("something_new")
	assert.Equal(t, 24*time.Hour, r.Cooldown)
	assert.Equal(t, defaultPriority, r.Priority)
}

func TestSeverityClampedToRule(t *testing.T) {
	e, _, _ := newTestEngine(t, db.NewMemoryStore())
	ev, err := e.Evaluate(context.Background(), "s1", []models.Finding{
		finding(CategoryCrisisDetected, models.SeverityLow),
		finding(risk.CategoryConsecutiveHighLoad, models.SeverityCritical),
	})
	require.NoError(t, err)
	require.Len(t, ev.Created, 2)
	// crisis has priority 1 so it is created first
	assert.Equal(t, CategoryCrisisDetected, ev.Created[0].Category)
	assert.Equal(t, models.SeverityHigh, ev.Created[0].Severity)
	assert.Equal(t, models.SeverityHigh, ev.Created[1].Severity)
}

func TestAutoEscalateWithOtherUnresolvedAlerts(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, db.NewMemoryStore())

	alone, err := e.Evaluate(ctx, "s1", []models.Finding{finding(risk.CategoryChronicSleepDeficit, models.SeverityMedium)})
	require.NoError(t, err)
	assert.Equal(t, models.SeverityMedium, alone.Created[0].Severity)

	_, err = e.Evaluate(ctx, "s2", []models.Finding{finding(risk.CategoryRisingStrain, models.SeverityHigh)})
	require.NoError(t, err)
	escalated, err := e.Evaluate(ctx, "s2", []models.Finding{finding(risk.CategoryChronicSleepDeficit, models.SeverityMedium)})
	require.NoError(t, err)
	require.Len(t, escalated.Created, 1)
	assert.Equal(t, models.SeverityHigh, escalated.Created[0].Severity)
}

func TestDuplicateFindingsInOneCallKeepMostSevere(t *testing.T) {
	e, _, _ := newTestEngine(t, db.NewMemoryStore())
	ev, err := e.Evaluate(context.Background(), "s1", []models.Finding{
		finding(risk.CategoryChronicSleepDeficit, models.SeverityMedium),
		finding(risk.CategoryChronicSleepDeficit, models.SeverityHigh),
	})
	require.NoError(t, err)
	require.Len(t, ev.Created, 1)
	assert.Equal(t, models.SeverityHigh, ev.Created[0].Severity)
}

func TestConcurrentEvaluateCreatesOneAlert(t *testing.T) {
	store := db.NewMemoryStore()
	e, _, _ := newTestEngine(t, store)
	f := finding(risk.CategoryExtremeObservation, models.SeverityHigh)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Evaluate(context.Background(), "s1", []models.Finding{f})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := store.CountUnresolvedAlerts(context.Background(), "s1", risk.CategoryExtremeObservation)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type failingTx struct {
	db.AlertTx
	inserts int
	failAt  int
}

func (f *failingTx) InsertAlert(ctx context.Context, a *models.Alert) error {
	f.inserts++
	if f.inserts == f.failAt {
		return errors.New("disk full")
	}
	return f.AlertTx.InsertAlert(ctx, a)
}

type failingStore struct {
	*db.MemoryStore
	failAt int
}

func (s *failingStore) WithAlertTx(ctx context.Context, fn func(tx db.AlertTx) error) error {
	return s.MemoryStore.WithAlertTx(ctx, func(tx db.AlertTx) error {
		return fn(&failingTx{AlertTx: tx, failAt: s.failAt})
	})
}

func TestEvaluateRollsBackWholeSet(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: db.NewMemoryStore(), failAt: 2}
	e, _, rec := newTestEngine(t, store)

	ev, err := e.Evaluate(ctx, "s1", []models.Finding{
		finding(risk.CategoryExtremeObservation, models.SeverityHigh),
		finding(risk.CategoryRisingStrain, models.SeverityHigh),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.Empty(t, ev.Created)
	assert.Zero(t, rec.created)

	n, err := store.CountUnresolvedAlerts(ctx, "s1", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTrendPatternsSampledOnInterval(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	c := newClock()
	e := NewEngine(store, Options{Now: c.Now, Logger: zerolog.Nop()})

	add := func(daysAgo int) {
		o := &models.ShiftObservation{
			SubjectID: "s1", Date: c.Now().AddDate(0, 0, -daysAgo), HoursRested: 7,
			Category: models.CategoryDay, DurationHours: 12, LoadCount: 5, Strain: 8, Score: 50,
		}
		require.NoError(t, store.InsertObservation(ctx, o))
	}

	add(3)
	add(2)
	ev, err := e.Evaluate(ctx, "s1", nil)
	require.NoError(t, err)
	assert.False(t, ev.TrendsChecked)

	add(1)
	ev, err = e.Evaluate(ctx, "s1", nil)
	require.NoError(t, err)
	assert.True(t, ev.TrendsChecked)
	require.Len(t, ev.Created, 1)
	assert.Equal(t, CategoryHighStrainPattern, ev.Created[0].Category)
	assert.Equal(t, models.OriginTrend, ev.Created[0].Origin)
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	e, c, _ := newTestEngine(t, db.NewMemoryStore())

	_, err := e.Evaluate(ctx, "s1", []models.Finding{finding(risk.CategoryConsecutiveHighLoad, models.SeverityMedium)})
	require.NoError(t, err)
	c.Advance(time.Minute)
	_, err = e.Evaluate(ctx, "s1", []models.Finding{finding(CategoryCrisisDetected, models.SeverityCritical)})
	require.NoError(t, err)
	c.Advance(time.Minute)
	_, err = e.Evaluate(ctx, "s1", []models.Finding{finding(risk.CategoryFrequentElevatedZone, models.SeverityMedium)})
	require.NoError(t, err)

	s, err := e.Summarize(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalActive)
	assert.True(t, s.HasCritical)
	assert.False(t, s.HasHigh)
	assert.Equal(t, 2, s.BySeverity["medium"])
	assert.Equal(t, 0, s.BySeverity["low"])
	assert.Equal(t, 1, s.ByCategory[CategoryCrisisDetected])
	require.Len(t, s.Active, 3)
	assert.Equal(t, CategoryCrisisDetected, s.Active[0].Category)
	assert.Equal(t, risk.CategoryFrequentElevatedZone, s.Active[1].Category)

	empty, err := e.Summarize(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalActive)
	assert.NotNil(t, empty.Active)
}

type recordingTx struct {
	db.AlertTx
	calls *[]string
}

func (r *recordingTx) LockAlertKeys(ctx context.Context, subjectID string, categories []string) error {
	for _, c := range categories {
		*r.calls = append(*r.calls, "lock "+c)
	}
	return r.AlertTx.LockAlertKeys(ctx, subjectID, categories)
}

func (r *recordingTx) FindActiveAlert(ctx context.Context, subjectID, category string, since time.Time) (*models.Alert, error) {
	*r.calls = append(*r.calls, "find "+category)
	return r.AlertTx.FindActiveAlert(ctx, subjectID, category, since)
}

type recordingStore struct {
	*db.MemoryStore
	calls []string
}

func (s *recordingStore) WithAlertTx(ctx context.Context, fn func(tx db.AlertTx) error) error {
	return s.MemoryStore.WithAlertTx(ctx, func(tx db.AlertTx) error {
		return fn(&recordingTx{AlertTx: tx, calls: &s.calls})
	})
}

func TestEvaluateLocksAllKeysInSortedOrderFirst(t *testing.T) {
	ctx := context.Background()

	runs := [][]models.Finding{
		{
			finding(risk.CategoryExtremeObservation, models.SeverityHigh),
			finding(risk.CategoryChronicSleepDeficit, models.SeverityMedium),
		},
		{
			finding(risk.CategoryChronicSleepDeficit, models.SeverityHigh),
			finding(risk.CategoryExtremeObservation, models.SeverityHigh),
		},
	}
	want := []string{
		"lock " + risk.CategoryChronicSleepDeficit,
		"lock " + risk.CategoryExtremeObservation,
	}

	for _, findings := range runs {
		store := &recordingStore{MemoryStore: db.NewMemoryStore()}
		e, _, _ := newTestEngine(t, store)

		_, err := e.Evaluate(ctx, "s1", findings)
		require.NoError(t, err)
		require.Len(t, store.calls, 4)
		assert.Equal(t, want, store.calls[:2], "every key is locked, in sorted order, before any lookup")
	}
}

func TestSummarizeCountsBeyondFirstPage(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	e, c, _ := newTestEngine(t, store)

	total := db.MaxAlertLimit + 5
	require.NoError(t, store.WithAlertTx(ctx, func(tx db.AlertTx) error {
		for i := 0; i < total; i++ {
			a := &models.Alert{SubjectID: "s1", Category: risk.CategoryRisingStrain, Severity: models.SeverityMedium, CreatedAt: c.Now()}
			if err := tx.InsertAlert(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}))

	s, err := e.Summarize(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, total, s.TotalActive)
	assert.Equal(t, total, s.BySeverity["medium"])
	assert.Equal(t, total, s.ByCategory[risk.CategoryRisingStrain])
	assert.Len(t, s.Active, db.MaxAlertLimit)
}

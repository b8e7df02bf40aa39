package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safeshift/backend/internal/alerting"
	"github.com/safeshift/backend/internal/db"
	"github.com/safeshift/backend/internal/events"
	"github.com/safeshift/backend/internal/models"
	"github.com/safeshift/backend/internal/risk"
)

var testNow = time.Date(2026, 5, 20, 18, 0, 0, 0, time.UTC)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestService(store db.Repository) (*ProcessingService, *capturePublisher) {
	clock := func() time.Time { return testNow }
	pub := &capturePublisher{}

	detector := risk.NewAnomalyDetector(store, 0)
	detector.Now = clock
	predictor := risk.NewTrendPredictor(store, 0)
	predictor.Now = clock

	orch := mockOrchestrator()
	orch.Recorder = store
	orch.Now = clock

	return &ProcessingService{
		Store:        store,
		Orchestrator: orch,
		Alerts:       alerting.NewEngine(store, alerting.Options{Now: clock, Logger: zerolog.Nop()}),
		Detector:     detector,
		Predictor:    predictor,
		Events:       pub,
		Validator:    NewValidator(),
		Logger:       zerolog.Nop(),
		Now:          clock,
	}, pub
}

func shift(daysAgo int, rested float64, cat models.ShiftCategory, dur float64, load, strain int) models.ShiftObservation {
	return models.ShiftObservation{
		SubjectID:     "w1",
		Date:          testNow.AddDate(0, 0, -daysAgo),
		HoursRested:   rested,
		Category:      cat,
		DurationHours: dur,
		LoadCount:     load,
		Strain:        strain,
	}
}

func alertsByCategory(as []models.Alert) map[string]int {
	out := map[string]int{}
	for _, a := range as {
		out[a.Category]++
	}
	return out
}

func TestProcessObservationEndToEnd(t *testing.T) {
	store := db.NewMemoryStore()
	svc, pub := newTestService(store)
	ctx := context.Background()

	_, err := svc.ProcessObservation(ctx, shift(1, 8, models.CategoryDay, 8, 5, 2))
	require.NoError(t, err)

	res, err := svc.ProcessObservation(ctx, shift(0, 3, models.CategoryNight, 16, 15, 9))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.Score.Value, 85)
	assert.Equal(t, models.ZoneSevere, res.Score.Zone)
	assert.Equal(t, models.UrgencyCritical, res.Insight.Urgency)
	assert.Empty(t, res.AlertError)
	assert.Empty(t, res.InsightError)

	var sawExtreme bool
	for _, f := range res.Findings {
		if f.Category == risk.CategoryExtremeObservation {
			sawExtreme = true
		}
	}
	assert.True(t, sawExtreme)
	assert.Equal(t, 1, alertsByCategory(res.AlertsCreated)[risk.CategoryExtremeObservation])

	saved, err := store.GetInsight(ctx, res.Observation.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Insight.Summary, saved.Summary)

	assert.Len(t, pub.types(), len(res.AlertsCreated))

	// Same picture again: categories that already alerted stay in cooldown.
	again, err := svc.ProcessObservation(ctx, shift(0, 3, models.CategoryNight, 16, 15, 9))
	require.NoError(t, err)
	repeated := alertsByCategory(again.AlertsCreated)
	for _, a := range res.AlertsCreated {
		assert.Zero(t, repeated[a.Category], a.Category)
	}
	assert.NotEmpty(t, again.Suppressed)
}

func TestProcessObservationValidationWritesNothing(t *testing.T) {
	store := db.NewMemoryStore()
	svc, _ := newTestService(store)

	cases := []models.ShiftObservation{
		shift(0, -1, models.CategoryDay, 8, 0, 3),
		shift(0, 7, "swing", 8, 0, 3),
		shift(0, 7, models.CategoryDay, 49, 0, 3),
		shift(0, 7, models.CategoryDay, 8, 0, 11),
		{SubjectID: "", Date: testNow, Category: models.CategoryDay, Strain: 3},
	}
	for _, obs := range cases {
		_, err := svc.ProcessObservation(context.Background(), obs)
		require.Error(t, err)
		assert.ErrorIs(t, err, risk.ErrInvalidObservation)
		var verr *risk.ValidationError
		assert.True(t, errors.As(err, &verr))
	}
	n, err := store.CountObservations(context.Background(), "w1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessObservationClampsRestedHours(t *testing.T) {
	svc, _ := newTestService(db.NewMemoryStore())
	res, err := svc.ProcessObservation(context.Background(), shift(0, 30, models.CategoryRest, 0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 24.0, res.Observation.HoursRested)
	assert.Equal(t, 2, res.Score.Value)
}

type insightFailingStore struct {
	*db.MemoryStore
}

func (insightFailingStore) SaveInsight(context.Context, string, models.ComposedInsight) error {
	return errors.New("disk full")
}

type alertFailingStore struct {
	*db.MemoryStore
}

func (alertFailingStore) WithAlertTx(context.Context, func(db.AlertTx) error) error {
	return errors.New("connection reset")
}

func TestProcessObservationReportsDownstreamErrors(t *testing.T) {
	svc, _ := newTestService(insightFailingStore{db.NewMemoryStore()})
	res, err := svc.ProcessObservation(context.Background(), shift(0, 5, models.CategoryNight, 12, 12, 8))
	require.NoError(t, err)
	assert.Equal(t, "disk full", res.InsightError)
	assert.NotZero(t, res.Score.Value)

	svc, pub := newTestService(alertFailingStore{db.NewMemoryStore()})
	res, err = svc.ProcessObservation(context.Background(), shift(0, 3, models.CategoryNight, 16, 15, 9))
	require.NoError(t, err)
	assert.Contains(t, res.AlertError, "connection reset")
	assert.Empty(t, res.AlertsCreated)
	assert.Empty(t, pub.types())
}

func TestProcessObservationRecordsStages(t *testing.T) {
	store := db.NewMemoryStore()
	svc, _ := newTestService(store)
	res, err := svc.ProcessObservation(context.Background(), shift(0, 7, models.CategoryDay, 8, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSkipped, res.Stages[StageClassification])

	stats, err := svc.StageStats(context.Background(), StageSafety, 0)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Ran)
}

func TestUpdateObservationRescores(t *testing.T) {
	store := db.NewMemoryStore()
	svc, _ := newTestService(store)
	ctx := context.Background()

	first, err := svc.ProcessObservation(ctx, shift(0, 8, models.CategoryDay, 8, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, models.ZoneLow, first.Score.Zone)

	edit := shift(0, 3, models.CategoryNight, 16, 15, 9)
	edit.SubjectID = "someone-else"
	upd, err := svc.UpdateObservation(ctx, first.Observation.ID, edit)
	require.NoError(t, err)
	assert.Equal(t, first.Observation.ID, upd.Observation.ID)
	assert.Equal(t, "w1", upd.Observation.SubjectID)
	assert.Equal(t, models.ZoneSevere, upd.Score.Zone)

	stored, err := store.GetObservation(ctx, first.Observation.ID)
	require.NoError(t, err)
	assert.Equal(t, upd.Score.Value, stored.Score)

	insight, err := store.GetInsight(ctx, first.Observation.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UrgencyCritical, insight.Urgency)

	_, err = svc.UpdateObservation(ctx, "missing", edit)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestResolveAlertPublishesAndClearsSuppression(t *testing.T) {
	store := db.NewMemoryStore()
	svc, pub := newTestService(store)
	ctx := context.Background()

	res, err := svc.ProcessObservation(ctx, shift(0, 3, models.CategoryNight, 16, 15, 9))
	require.NoError(t, err)
	require.NotEmpty(t, res.AlertsCreated)

	summary, err := svc.SummarizeAlerts(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, len(res.AlertsCreated), summary.TotalActive)
	assert.True(t, summary.HasCritical)

	target := res.AlertsCreated[0]
	ok, err := svc.ResolveAlert(ctx, target.ID, alerting.ResolveOptions{By: "charge-nurse"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, pub.types(), events.TypeAlertResolved)

	ok, err = svc.ResolveAlert(ctx, target.ID, alerting.ResolveOptions{})
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := svc.ProcessObservation(ctx, shift(0, 3, models.CategoryNight, 16, 15, 9))
	require.NoError(t, err)
	assert.Equal(t, 1, alertsByCategory(again.AlertsCreated)[target.Category])
}

func TestPublishFailureDoesNotFailProcessing(t *testing.T) {
	svc, pub := newTestService(db.NewMemoryStore())
	pub.err = errors.New("redis down")
	res, err := svc.ProcessObservation(context.Background(), shift(0, 3, models.CategoryNight, 16, 15, 9))
	require.NoError(t, err)
	assert.NotEmpty(t, res.AlertsCreated)
}

func TestSummarizeHistory(t *testing.T) {
	obs := []models.ShiftObservation{
		{Date: testNow.AddDate(0, 0, -10), Category: models.CategoryRest, HoursRested: 9},
		{Date: testNow.AddDate(0, 0, -6), Category: models.CategoryRest, HoursRested: 9},
		{Date: testNow.AddDate(0, 0, -3), Category: models.CategoryNight, HoursRested: 5, DurationHours: 12, Zone: models.ZoneSevere, Strain: 8},
		{Date: testNow.AddDate(0, 0, -2), Category: models.CategoryNight, HoursRested: 4, DurationHours: 12, Zone: models.ZoneSevere, Strain: 9},
		{Date: testNow.AddDate(0, 0, -1), Category: models.CategoryDay, HoursRested: 6, DurationHours: 9, Zone: models.ZoneElevated, Strain: 6},
	}
	h := SummarizeHistory(obs, testNow)

	assert.Equal(t, 3, h.ConsecutiveShifts)
	assert.Equal(t, 5, h.DaysSinceBreak)
	assert.Equal(t, 2, h.SevereZoneCount7d)
	assert.InDelta(t, 2+3+1, h.SleepDeficitHours, 1e-9)
	assert.InDelta(t, 11.0, h.AvgShiftHours, 1e-9)
	assert.Equal(t, []int{0, 8, 9, 6}, h.StrainHistory)
	assert.Zero(t, SummarizeHistory(nil, testNow).ConsecutiveShifts)
}

func TestSummarizeHistoryWithoutRest(t *testing.T) {
	obs := []models.ShiftObservation{
		{Date: testNow.AddDate(0, 0, -4), Category: models.CategoryDay, HoursRested: 7},
		{Date: testNow, Category: models.CategoryDay, HoursRested: 7},
	}
	h := SummarizeHistory(obs, testNow)
	assert.Equal(t, 2, h.ConsecutiveShifts)
	assert.Equal(t, 5, h.DaysSinceBreak)
	assert.Zero(t, h.SleepDeficitHours)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/safeshift/backend/internal/alerting"
	"github.com/safeshift/backend/internal/db"
	"github.com/safeshift/backend/internal/events"
	"github.com/safeshift/backend/internal/models"
	"github.com/safeshift/backend/internal/risk"
)

const (
	historyWindow     = 14 * 24 * time.Hour
	recentWindow      = 7 * 24 * time.Hour
	sleepTargetHours  = 7.0
	maxRestedHours    = 24.0
	DefaultStatsRange = 7 * 24 * time.Hour
)

type PipelineMetrics interface {
	ObservationScored(zone models.Zone)
	EventPublished(eventType string, err error)
}

type ProcessingService struct {
	Store        db.Repository
	Orchestrator *Orchestrator
	Alerts       *alerting.Engine
	Detector     *risk.AnomalyDetector
	Predictor    *risk.TrendPredictor
	Events       events.Publisher
	Metrics      PipelineMetrics
	Validator    *validator.Validate
	Logger       zerolog.Logger
	Now          func() time.Time
}

type ProcessResult struct {
	Observation   models.ShiftObservation        `json:"observation"`
	Score         models.RiskScore               `json:"score"`
	Insight       models.ComposedInsight         `json:"insight"`
	Stages        map[string]models.StageOutcome `json:"stages"`
	Findings      []models.Finding               `json:"findings"`
	AlertsCreated []models.Alert                 `json:"alerts_created"`
	Suppressed    []alerting.Suppression         `json:"suppressed"`
	TrendsChecked bool                           `json:"trends_checked"`
	InsightError  string                         `json:"insight_error,omitempty"`
	AlertError    string                         `json:"alert_error,omitempty"`
}

// NewValidator reports struct tag failures under their JSON field names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ProcessObservation validates, scores and stores one observation, then runs
// the analysis pipeline and alert evaluation. Only validation and the
// observation write can fail the call; insight and alert failures are
// reported on the result.
func (s *ProcessingService) ProcessObservation(ctx context.Context, obs models.ShiftObservation) (ProcessResult, error) {
	ctx = context.WithoutCancel(ctx)

	rs, err := s.prepare(&obs)
	if err != nil {
		return ProcessResult{}, err
	}
	if err := s.Store.InsertObservation(ctx, &obs); err != nil {
		return ProcessResult{}, fmt.Errorf("insert observation: %w", err)
	}
	s.Logger.Info().
		Str("subject_id", obs.SubjectID).
		Str("observation_id", obs.ID).
		Int("score", rs.Value).
		Str("zone", rs.Zone.String()).
		Msg("observation scored")

	return s.analyze(ctx, obs, rs), nil
}

// UpdateObservation replaces an observation and recomputes its score,
// insight and alerts. The subject of an observation never changes.
func (s *ProcessingService) UpdateObservation(ctx context.Context, id string, obs models.ShiftObservation) (ProcessResult, error) {
	ctx = context.WithoutCancel(ctx)

	prev, err := s.Store.GetObservation(ctx, id)
	if err != nil {
		return ProcessResult{}, err
	}
	obs.ID = prev.ID
	obs.SubjectID = prev.SubjectID

	rs, err := s.prepare(&obs)
	if err != nil {
		return ProcessResult{}, err
	}
	if err := s.Store.UpdateObservation(ctx, &obs); err != nil {
		return ProcessResult{}, fmt.Errorf("update observation: %w", err)
	}
	s.Logger.Info().
		Str("subject_id", obs.SubjectID).
		Str("observation_id", obs.ID).
		Int("previous_score", prev.Score).
		Int("score", rs.Value).
		Msg("observation rescored")

	return s.analyze(ctx, obs, rs), nil
}

func (s *ProcessingService) prepare(obs *models.ShiftObservation) (models.RiskScore, error) {
	obs.SubjectID = strings.TrimSpace(obs.SubjectID)
	obs.Category = models.ShiftCategory(strings.ToLower(strings.TrimSpace(string(obs.Category))))
	if err := s.validate(*obs); err != nil {
		return models.RiskScore{}, err
	}
	if obs.HoursRested > maxRestedHours {
		obs.HoursRested = maxRestedHours
	}
	rs, err := risk.Score(risk.InputFrom(*obs))
	if err != nil {
		return models.RiskScore{}, err
	}
	obs.Score, obs.Zone = rs.Value, rs.Zone
	if s.Metrics != nil {
		s.Metrics.ObservationScored(rs.Zone)
	}
	return rs, nil
}

func (s *ProcessingService) validate(obs models.ShiftObservation) error {
	if s.Validator != nil {
		if err := s.Validator.Struct(obs); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				fe := verrs[0]
				return &risk.ValidationError{Field: fe.Field(), Reason: "failed " + fe.Tag() + " check"}
			}
			return fmt.Errorf("%w: %w", risk.ErrInvalidObservation, err)
		}
	}
	if obs.SubjectID == "" {
		return &risk.ValidationError{Field: "subject_id", Reason: "is required"}
	}
	return risk.InputFrom(obs).Validate()
}

func (s *ProcessingService) analyze(ctx context.Context, obs models.ShiftObservation, rs models.RiskScore) ProcessResult {
	res := ProcessResult{
		Observation: obs,
		Score:       rs,
		Stages:      map[string]models.StageOutcome{},
	}

	hist, err := s.history(ctx, obs)
	if err != nil {
		s.Logger.Warn().Err(err).Str("subject_id", obs.SubjectID).Msg("history summary unavailable")
	}

	analysis := s.Orchestrator.Run(ctx, AnalysisInput{Observation: obs, Score: rs, History: hist})
	res.Insight = analysis.Insight
	res.Stages[StageSafety] = analysis.Safety.Status.Outcome()
	res.Stages[StageIntervention] = analysis.Intervention.Status.Outcome()
	res.Stages[StageClassification] = analysis.Classification.Status.Outcome()
	res.Stages[StageEscalation] = analysis.Escalation.Status.Outcome()
	if analysis.Insight.Fallback {
		res.Stages[StageSynthesis] = models.OutcomeDegraded
	} else {
		res.Stages[StageSynthesis] = models.OutcomeRan
	}

	if err := s.Store.SaveInsight(ctx, obs.ID, analysis.Insight); err != nil {
		res.InsightError = err.Error()
		s.Logger.Error().Err(err).Str("observation_id", obs.ID).Msg("insight not saved")
	}

	res.Findings = s.collectFindings(ctx, obs.SubjectID, analysis.Findings)
	ev, err := s.Alerts.Evaluate(ctx, obs.SubjectID, res.Findings)
	res.TrendsChecked = ev.TrendsChecked
	if err != nil {
		res.AlertError = err.Error()
		return res
	}
	res.AlertsCreated, res.Suppressed = ev.Created, ev.Suppressed
	for _, a := range ev.Created {
		s.publish(ctx, events.TypeAlertCreated, a)
	}
	return res
}

func (s *ProcessingService) collectFindings(ctx context.Context, subjectID string, fromAnalysis []models.Finding) []models.Finding {
	var out []models.Finding
	if s.Detector != nil {
		anomalies, err := s.Detector.Detect(ctx, subjectID)
		if err != nil {
			s.Logger.Warn().Err(err).Str("subject_id", subjectID).Msg("anomaly detection skipped")
		}
		out = append(out, anomalies...)
	}
	if s.Predictor != nil {
		fc, err := s.Predictor.Predict(ctx, subjectID, risk.DefaultHorizonDays)
		if err != nil {
			s.Logger.Warn().Err(err).Str("subject_id", subjectID).Msg("forecast skipped")
		} else if f, ok := risk.ForecastFinding(fc); ok {
			out = append(out, f)
		}
	}
	return append(out, fromAnalysis...)
}

func (s *ProcessingService) history(ctx context.Context, obs models.ShiftObservation) (HistorySummary, error) {
	list, err := s.Store.ListObservations(ctx, obs.SubjectID, obs.Date.Add(-historyWindow))
	if err != nil {
		return HistorySummary{}, err
	}
	// Later entries are not history for an edited observation.
	kept := list[:0]
	for _, o := range list {
		if !o.Date.After(obs.Date) {
			kept = append(kept, o)
		}
	}
	h := SummarizeHistory(kept, obs.Date)
	n, err := s.Store.CountUnresolvedAlerts(ctx, obs.SubjectID, "")
	if err != nil {
		return h, err
	}
	h.UnresolvedAlerts = n
	return h, nil
}

// SummarizeHistory condenses date-ordered observations ending at asOf into
// the figures the safety stage needs.
func SummarizeHistory(obs []models.ShiftObservation, asOf time.Time) HistorySummary {
	var h HistorySummary
	if len(obs) == 0 {
		return h
	}

	for i := len(obs) - 1; i >= 0 && obs[i].Category != models.CategoryRest; i-- {
		h.ConsecutiveShifts++
	}

	latest := obs[len(obs)-1].Date
	lastRest := time.Time{}
	for i := len(obs) - 1; i >= 0; i-- {
		if obs[i].Category == models.CategoryRest {
			lastRest = obs[i].Date
			break
		}
	}
	if lastRest.IsZero() {
		h.DaysSinceBreak = int(latest.Sub(obs[0].Date).Hours()/24) + 1
	} else {
		h.DaysSinceBreak = int(latest.Sub(lastRest).Hours() / 24)
	}

	cutoff := asOf.Add(-recentWindow)
	var worked int
	var hours float64
	for _, o := range obs {
		if o.Date.Before(cutoff) {
			continue
		}
		h.ZoneHistory = append(h.ZoneHistory, o.Zone)
		h.StrainHistory = append(h.StrainHistory, o.Strain)
		if o.Zone == models.ZoneSevere {
			h.SevereZoneCount7d++
		}
		if o.HoursRested < sleepTargetHours {
			h.SleepDeficitHours += sleepTargetHours - o.HoursRested
		}
		if o.Category != models.CategoryRest {
			worked++
			hours += o.DurationHours
		}
	}
	if worked > 0 {
		h.AvgShiftHours = hours / float64(worked)
	}
	return h
}

func (s *ProcessingService) ResolveAlert(ctx context.Context, id string, opts alerting.ResolveOptions) (bool, error) {
	ok, err := s.Alerts.Resolve(ctx, id, opts)
	if err != nil || !ok {
		return ok, err
	}
	a, err := s.Store.GetAlert(ctx, id)
	if err != nil {
		s.Logger.Warn().Err(err).Str("alert_id", id).Msg("resolved alert not reloaded")
		return true, nil
	}
	s.publish(ctx, events.TypeAlertResolved, a)
	return true, nil
}

func (s *ProcessingService) SummarizeAlerts(ctx context.Context, subjectID string) (alerting.Summary, error) {
	return s.Alerts.Summarize(ctx, subjectID)
}

func (s *ProcessingService) ListActiveAlerts(ctx context.Context, subjectID string, limit int) ([]models.Alert, error) {
	return s.Alerts.ListActive(ctx, subjectID, limit)
}

func (s *ProcessingService) Anomalies(ctx context.Context, subjectID string) ([]models.Finding, error) {
	return s.Detector.Detect(ctx, subjectID)
}

func (s *ProcessingService) Forecast(ctx context.Context, subjectID string, horizonDays int) (models.TrendForecast, error) {
	return s.Predictor.Predict(ctx, subjectID, horizonDays)
}

func (s *ProcessingService) StageStats(ctx context.Context, stage string, since time.Duration) ([]models.StageStats, error) {
	if since <= 0 {
		since = DefaultStatsRange
	}
	return s.Store.StageStats(ctx, stage, s.now().Add(-since))
}

func (s *ProcessingService) publish(ctx context.Context, eventType string, a models.Alert) {
	if s.Events == nil {
		return
	}
	err := s.Events.Publish(ctx, events.NewEvent(eventType, a, s.now()))
	if s.Metrics != nil {
		s.Metrics.EventPublished(eventType, err)
	}
	if err != nil {
		s.Logger.Warn().Err(err).Str("alert_id", a.ID).Str("type", eventType).Msg("alert event not published")
	}
}

func (s *ProcessingService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

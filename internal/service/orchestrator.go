package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/safeshift/backend/internal/ai"
	"github.com/safeshift/backend/internal/alerting"
	"github.com/safeshift/backend/internal/models"
)

const (
	StageSafety         = "safety"
	StageIntervention   = "intervention"
	StageClassification = "classification"
	StageEscalation     = "escalation"
	StageSynthesis      = "synthesis"

	DefaultStageTimeout = 8 * time.Second

	interventionStrain = 6
	minNoteLength      = 5
)

type StageStatus int

const (
	StageSkipped StageStatus = iota
	StageRan
	StageDegraded
)

func (s StageStatus) Outcome() models.StageOutcome {
	switch s {
	case StageRan:
		return models.OutcomeRan
	case StageDegraded:
		return models.OutcomeDegraded
	}
	return models.OutcomeSkipped
}

// Outcome is the typed result of one stage. Value holds the collaborator
// answer when Status is StageRan and the tagged fallback when StageDegraded.
type Outcome[T any] struct {
	Status  StageStatus
	Value   T
	Err     error
	Latency time.Duration
}

func (o Outcome[T]) Executed() bool { return o.Status != StageSkipped }

type HistorySummary struct {
	ConsecutiveShifts int
	DaysSinceBreak    int
	SevereZoneCount7d int
	SleepDeficitHours float64
	AvgShiftHours     float64
	ZoneHistory       []models.Zone
	StrainHistory     []int
	UnresolvedAlerts  int
}

type AnalysisInput struct {
	Observation models.ShiftObservation
	Score       models.RiskScore
	History     HistorySummary
}

type Analysis struct {
	Safety         Outcome[ai.SafetyCorrelation]
	Intervention   Outcome[ai.Intervention]
	Classification Outcome[ai.Classification]
	Escalation     Outcome[ai.CrisisAssessment]
	Insight        models.ComposedInsight
	Findings       []models.Finding
}

type StageRecorder interface {
	RecordStageRun(ctx context.Context, run models.StageRun) error
}

type StageObserver interface {
	StageFinished(stage string, outcome models.StageOutcome, latency time.Duration)
}

// Orchestrator runs the analysis stages for one observation in a fixed order.
// Collaborator failures never escape; they degrade the stage to its fallback.
type Orchestrator struct {
	Safety     ai.SafetyCorrelator
	Coach      ai.InterventionCoach
	Classifier ai.TextClassifier
	Crisis     ai.CrisisAssessor

	Timeout  time.Duration
	Logger   zerolog.Logger
	Recorder StageRecorder
	Metrics  StageObserver
	Now      func() time.Time
}

func (o *Orchestrator) Run(ctx context.Context, in AnalysisInput) Analysis {
	var a Analysis
	obs := in.Observation

	a.Safety = runStage(ctx, o, in, StageSafety, func(ctx context.Context) (ai.SafetyCorrelation, error) {
		return o.Safety.Correlate(ctx, safetyMetrics(in))
	}, ai.FallbackSafety)

	if obs.Strain >= interventionStrain {
		a.Intervention = runStage(ctx, o, in, StageIntervention, func(ctx context.Context) (ai.Intervention, error) {
			return o.Coach.Suggest(ctx, ai.InterventionRequest{
				SubjectID:     obs.SubjectID,
				ObservationID: obs.ID,
				Strain:        obs.Strain,
				Zone:          in.Score.Zone,
				HoursRested:   obs.HoursRested,
				Category:      obs.Category,
			})
		}, func() ai.Intervention { return ai.FallbackIntervention(obs.Strain) })
	} else {
		o.skip(ctx, in, StageIntervention)
	}

	note := strings.TrimSpace(obs.Note)
	if len([]rune(note)) >= minNoteLength {
		a.Classification = runStage(ctx, o, in, StageClassification, func(ctx context.Context) (ai.Classification, error) {
			return o.Classifier.Classify(ctx, note, ai.ClassifyContext{
				SubjectID:     obs.SubjectID,
				ObservationID: obs.ID,
				Strain:        obs.Strain,
				Zone:          in.Score.Zone,
			})
		}, ai.FallbackClassification)
	} else {
		o.skip(ctx, in, StageClassification)
	}

	if a.Classification.Executed() && a.Classification.Value.Escalate {
		a.Escalation = runStage(ctx, o, in, StageEscalation, func(ctx context.Context) (ai.CrisisAssessment, error) {
			return o.Crisis.Assess(ctx, note, ai.CrisisContext{
				SubjectID:      obs.SubjectID,
				ObservationID:  obs.ID,
				Classification: a.Classification.Value,
				Strain:         obs.Strain,
				Score:          in.Score.Value,
			})
		}, ai.FallbackCrisis)
	} else {
		o.skip(ctx, in, StageEscalation)
	}

	start := time.Now()
	a.Insight = synthesize(a, in, o.now())
	status := StageRan
	if a.Insight.Fallback {
		status = StageDegraded
	}
	o.finish(ctx, in, StageSynthesis, status, time.Since(start), nil)

	a.Findings = findings(a, in)
	return a
}

func runStage[T any](ctx context.Context, o *Orchestrator, in AnalysisInput, stage string, call func(context.Context) (T, error), fallback func() T) Outcome[T] {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	v, err := call(cctx)
	if err == nil {
		err = ai.CheckAnswer(v)
	}
	out := Outcome[T]{Status: StageRan, Value: v, Latency: time.Since(start)}
	if err != nil {
		out.Status = StageDegraded
		out.Value = fallback()
		out.Err = err
	}
	o.finish(ctx, in, stage, out.Status, out.Latency, err)
	return out
}

func (o *Orchestrator) skip(ctx context.Context, in AnalysisInput, stage string) {
	o.finish(ctx, in, stage, StageSkipped, 0, nil)
}

func (o *Orchestrator) finish(ctx context.Context, in AnalysisInput, stage string, status StageStatus, latency time.Duration, err error) {
	outcome := status.Outcome()
	ev := o.Logger.Debug()
	if status == StageDegraded {
		ev = o.Logger.Warn().Err(err)
	}
	ev.Str("subject_id", in.Observation.SubjectID).
		Str("observation_id", in.Observation.ID).
		Str("stage", stage).
		Str("outcome", string(outcome)).
		Int64("latency_ms", latency.Milliseconds()).
		Msg("analysis stage finished")

	if o.Metrics != nil {
		o.Metrics.StageFinished(stage, outcome, latency)
	}
	if o.Recorder == nil {
		return
	}
	run := models.StageRun{
		ID:            uuid.NewString(),
		Stage:         stage,
		SubjectID:     in.Observation.SubjectID,
		ObservationID: in.Observation.ID,
		Outcome:       outcome,
		LatencyMs:     latency.Milliseconds(),
		CreatedAt:     o.now().UTC(),
	}
	if err != nil {
		run.Error = err.Error()
	}
	if rerr := o.Recorder.RecordStageRun(ctx, run); rerr != nil {
		o.Logger.Warn().Err(rerr).Str("stage", stage).Msg("stage run not recorded")
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func safetyMetrics(in AnalysisInput) ai.SafetyMetrics {
	obs := in.Observation
	return ai.SafetyMetrics{
		SubjectID:         obs.SubjectID,
		ObservationID:     obs.ID,
		Category:          obs.Category,
		Score:             in.Score.Value,
		Zone:              in.Score.Zone,
		Strain:            obs.Strain,
		LoadCount:         obs.LoadCount,
		HoursRested:       obs.HoursRested,
		ConsecutiveShifts: in.History.ConsecutiveShifts,
		SevereZoneCount7d: in.History.SevereZoneCount7d,
		SleepDeficitHours: in.History.SleepDeficitHours,
		AvgShiftHours:     in.History.AvgShiftHours,
		DaysSinceBreak:    in.History.DaysSinceBreak,
	}
}

// hasSignal reports whether any stage produced something beyond a generic
// fallback. A degraded escalation still counts: its fallback is the most
// cautious assessment available.
func hasSignal(a Analysis) bool {
	return a.Safety.Status == StageRan ||
		a.Intervention.Status == StageRan ||
		a.Classification.Status == StageRan ||
		a.Escalation.Executed()
}

func urgencyFor(a Analysis, in AnalysisInput) models.Urgency {
	zone := in.Score.Zone
	safety := a.Safety.Value.Risk
	switch {
	case a.Escalation.Executed() && a.Escalation.Value.Severity >= models.SeverityHigh,
		a.Safety.Executed() && safety == ai.SafetyCritical,
		in.Score.Value >= 85 && zone == models.ZoneSevere:
		return models.UrgencyCritical
	case a.Safety.Executed() && safety == ai.SafetyHigh,
		zone == models.ZoneSevere:
		return models.UrgencyUrgent
	case zone == models.ZoneElevated,
		a.Safety.Executed() && safety == ai.SafetyModerate,
		a.Intervention.Executed(),
		a.Classification.Executed() && a.Classification.Value.Intensity >= 7:
		return models.UrgencyAttentionNeeded
	}
	return models.UrgencyRoutine
}

func synthesize(a Analysis, in AnalysisInput, now time.Time) models.ComposedInsight {
	urgency := urgencyFor(a, in)
	if !hasSignal(a) {
		return insufficientSignal(in, executedStages(a), urgency, now)
	}

	obs := in.Observation
	var (
		items    []string
		recs     []string
		stages   []string
		confSum  float64
		confUsed int
	)
	addConf := func(c float64) {
		confSum += c
		confUsed++
	}

	// Stage outputs, most urgent first.
	switch a.Escalation.Status {
	case StageRan, StageDegraded:
		c := a.Escalation.Value
		stages = append(stages, StageEscalation)
		items = append(items, fmt.Sprintf("Crisis assessment: %s severity", c.Severity))
		recs = append(recs, c.RecommendedAction)
		addConf(c.Confidence)
	case StageSkipped:
	}

	switch a.Safety.Status {
	case StageRan, StageDegraded:
		s := a.Safety.Value
		stages = append(stages, StageSafety)
		items = append(items, fmt.Sprintf("Patient safety risk is %s", s.Risk))
		for _, c := range s.Concerns {
			items = append(items, fmt.Sprintf("Possible %s (%s likelihood)", strings.ReplaceAll(c.Type, "_", " "), c.Likelihood))
		}
		recs = append(recs, s.Recommendations...)
		addConf(s.Confidence)
	case StageSkipped:
	}

	items = append(items, fmt.Sprintf("Risk score %d is in the %s zone", in.Score.Value, in.Score.Zone))
	if in.History.ConsecutiveShifts >= 5 {
		items = append(items, fmt.Sprintf("%d consecutive shifts worked", in.History.ConsecutiveShifts))
	}
	if in.History.DaysSinceBreak >= 6 {
		recs = append(recs, "schedule a rest day this week")
	}

	switch a.Intervention.Status {
	case StageRan, StageDegraded:
		iv := a.Intervention.Value
		stages = append(stages, StageIntervention)
		recs = append(recs, fmt.Sprintf("%s (%d min)", iv.Title, iv.DurationMinutes))
		addConf(iv.Confidence)
	case StageSkipped:
	}

	switch a.Classification.Status {
	case StageRan, StageDegraded:
		c := a.Classification.Value
		stages = append(stages, StageClassification)
		items = append(items, fmt.Sprintf("Shift note reads as %s (intensity %d/10)", c.Emotion, c.Intensity))
		addConf(c.Confidence)
	case StageSkipped:
	}

	stages = append(stages, StageSynthesis)
	conf := 0.0
	if confUsed > 0 {
		conf = math.Round(confSum/float64(confUsed)*100) / 100
	}

	return models.ComposedInsight{
		Summary:         summaryLine(urgency, in, a),
		Urgency:         urgency,
		Items:           items,
		Recommendations: dedupe(recs),
		StagesRun:       stages,
		Messages:        messages(urgency, obs, a),
		Confidence:      conf,
		Fallback:        false,
		GeneratedAt:     now.UTC(),
	}
}

// insufficientSignal keeps the urgency derived from the score so a severe
// observation never reads as routine just because the collaborators failed.
func insufficientSignal(in AnalysisInput, stages []string, urgency models.Urgency, now time.Time) models.ComposedInsight {
	return models.ComposedInsight{
		Summary: fmt.Sprintf("Risk score %d (%s zone). Limited data available for a detailed analysis.", in.Score.Value, in.Score.Zone),
		Urgency: urgency,
		Items:   []string{fmt.Sprintf("Risk score %d is in the %s zone", in.Score.Value, in.Score.Zone)},
		Recommendations: []string{
			"complete shift notes to enable better insights",
		},
		StagesRun: append(stages, StageSynthesis),
		Messages: models.InsightMessages{
			Worker:     "Keep taking care of yourself and documenting your shifts so we can support you better.",
			Supervisor: "Insufficient data for detailed insights. Encourage complete shift documentation.",
		},
		Confidence:  0.3,
		Fallback:    true,
		GeneratedAt: now.UTC(),
	}
}

// executedStages lists the stages that ran, degraded or not, in pipeline order.
func executedStages(a Analysis) []string {
	var out []string
	for _, st := range []struct {
		name string
		ran  bool
	}{
		{StageSafety, a.Safety.Executed()},
		{StageIntervention, a.Intervention.Executed()},
		{StageClassification, a.Classification.Executed()},
		{StageEscalation, a.Escalation.Executed()},
	} {
		if st.ran {
			out = append(out, st.name)
		}
	}
	return out
}

func summaryLine(u models.Urgency, in AnalysisInput, a Analysis) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk score %d (%s zone), urgency %s", in.Score.Value, in.Score.Zone, u)
	if a.Safety.Executed() {
		fmt.Fprintf(&b, "; patient safety risk %s", a.Safety.Value.Risk)
	}
	if a.Escalation.Executed() {
		fmt.Fprintf(&b, "; crisis severity %s", a.Escalation.Value.Severity)
	}
	b.WriteString(".")
	return b.String()
}

func messages(u models.Urgency, obs models.ShiftObservation, a Analysis) models.InsightMessages {
	var m models.InsightMessages
	switch u {
	case models.UrgencyCritical:
		m.Worker = "Your recent shifts show serious strain. Please reach out to your supervisor or a crisis line now; you do not have to handle this alone."
		m.Supervisor = fmt.Sprintf("Critical: worker %s needs contact today.", obs.SubjectID)
	case models.UrgencyUrgent:
		m.Worker = "Your fatigue is high. Take every scheduled break and ask for support on demanding tasks."
		m.Supervisor = fmt.Sprintf("Urgent: review workload and rest for worker %s.", obs.SubjectID)
	case models.UrgencyAttentionNeeded:
		m.Worker = "Strain is building. A short reset during your shift will help."
		m.Supervisor = fmt.Sprintf("Worker %s shows rising strain; check in this week.", obs.SubjectID)
	default:
		m.Worker = "You are doing well. Keep up your rest routine."
		m.Supervisor = fmt.Sprintf("Worker %s is within normal range.", obs.SubjectID)
	}
	if a.Intervention.Executed() {
		m.Worker += " Try: " + a.Intervention.Value.Title + "."
	}
	return m
}

func findings(a Analysis, in AnalysisInput) []models.Finding {
	subject := in.Observation.SubjectID
	var out []models.Finding

	if a.Safety.Executed() {
		r := a.Safety.Value.Risk
		if r == ai.SafetyHigh || r == ai.SafetyCritical {
			sev := models.SeverityHigh
			if r == ai.SafetyCritical {
				sev = models.SeverityCritical
			}
			out = append(out, models.Finding{
				Category:  alerting.CategoryPatientSafetyRisk,
				Severity:  sev,
				Message:   fmt.Sprintf("Patient safety risk is %s", r),
				SubjectID: subject,
				Origin:    models.OriginOrchestrator,
				Evidence: map[string]any{
					"observation_id": in.Observation.ID,
					"concerns":       len(a.Safety.Value.Concerns),
					"fallback":       a.Safety.Value.Fallback,
				},
			})
		}
	}

	if a.Escalation.Executed() {
		c := a.Escalation.Value
		if c.Severity >= models.SeverityHigh || c.Escalate {
			out = append(out, models.Finding{
				Category:  alerting.CategoryCrisisDetected,
				Severity:  c.Severity,
				Message:   "Shift note indicates acute distress: " + c.RecommendedAction,
				SubjectID: subject,
				Origin:    models.OriginOrchestrator,
				Evidence: map[string]any{
					"observation_id": in.Observation.ID,
					"indicators":     c.Indicators,
					"fallback":       c.Fallback,
				},
			})
		}
	}

	u := a.Insight.Urgency
	if u >= models.UrgencyUrgent {
		sev := models.SeverityHigh
		if u == models.UrgencyCritical {
			sev = models.SeverityCritical
		}
		out = append(out, models.Finding{
			Category:  alerting.CategoryComprehensiveAnalysis,
			Severity:  sev,
			Message:   a.Insight.Summary,
			SubjectID: subject,
			Origin:    models.OriginOrchestrator,
			Evidence: map[string]any{
				"observation_id": in.Observation.ID,
				"urgency":        u.String(),
				"stages_run":     a.Insight.StagesRun,
			},
		})
	}
	return out
}

func dedupe(xs []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		x = strings.TrimSpace(x)
		if x == "" || seen[strings.ToLower(x)] {
			continue
		}
		seen[strings.ToLower(x)] = true
		out = append(out, x)
	}
	return out
}

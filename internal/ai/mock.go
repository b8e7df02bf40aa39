package ai

import (
	"context"
	"strings"

	"github.com/safeshift/backend/internal/models"
	"github.com/safeshift/backend/internal/utils"
)

// MockAnalyzer is a deterministic rule-based stand-in for every collaborator.
// The same input always produces the same output.
type MockAnalyzer struct{}

var (
	crisisWords   = []string{"hopeless", "can't go on", "cant go on", "give up", "end it", "hurt myself", "no way out"}
	distressWords = []string{"exhausted", "overwhelmed", "burned out", "burnt out", "stressed", "anxious", "tired", "drained", "crying"}
	positiveWords = []string{"good", "fine", "great", "calm", "rested", "okay", "proud"}
)

func (m MockAnalyzer) Classify(_ context.Context, text string, cc ClassifyContext) (Classification, error) {
	lower := strings.ToLower(text)
	h := utils.NoteFingerprint(text)
	jitter := float64(h%10) / 100

	switch {
	case containsAny(lower, crisisWords):
		return Classification{
			Emotion:    "despair",
			Intensity:  9,
			Escalate:   true,
			Themes:     matched(lower, crisisWords),
			Confidence: 0.8 + jitter,
		}, nil
	case containsAny(lower, distressWords):
		intensity := 6
		if cc.Strain >= 8 {
			intensity = 8
		} else if cc.Strain >= 6 {
			intensity = 7
		}
		return Classification{
			Emotion:    "exhausted",
			Intensity:  intensity,
			Escalate:   intensity >= 8 && cc.Zone == models.ZoneSevere,
			Themes:     matched(lower, distressWords),
			Confidence: 0.6 + jitter,
		}, nil
	case containsAny(lower, positiveWords):
		return Classification{
			Emotion:    "content",
			Intensity:  3,
			Themes:     matched(lower, positiveWords),
			Confidence: 0.6 + jitter,
		}, nil
	}
	return Classification{Emotion: "neutral", Intensity: 5, Confidence: 0.5 + jitter}, nil
}

func (m MockAnalyzer) Assess(_ context.Context, text string, cc CrisisContext) (CrisisAssessment, error) {
	lower := strings.ToLower(text)
	indicators := matched(lower, crisisWords)
	sev := models.SeverityMedium
	switch {
	case len(indicators) > 0 || cc.Classification.Intensity >= 9:
		sev = models.SeverityCritical
	case cc.Classification.Intensity >= 8 || cc.Strain >= 9:
		sev = models.SeverityHigh
	}
	action := "check in with the worker before the next shift"
	if sev >= models.SeverityHigh {
		action = "supervisor to contact the worker today"
	}
	if sev == models.SeverityCritical {
		action = "contact supervisor or crisis line now"
	}
	return CrisisAssessment{
		Severity:          sev,
		Escalate:          sev >= models.SeverityHigh,
		Indicators:        indicators,
		RecommendedAction: action,
		Confidence:        0.7,
	}, nil
}

func (m MockAnalyzer) Correlate(_ context.Context, sm SafetyMetrics) (SafetyCorrelation, error) {
	var concerns []SafetyConcern
	if sm.SleepDeficitHours >= 6 || sm.HoursRested < 5 {
		concerns = append(concerns, SafetyConcern{Type: "medication_error", Likelihood: likelihood(sm.HoursRested < 4), Description: "sleep loss impairs dose calculation"})
	}
	if sm.ConsecutiveShifts >= 5 || sm.DaysSinceBreak >= 6 {
		concerns = append(concerns, SafetyConcern{Type: "missed_deterioration", Likelihood: likelihood(sm.ConsecutiveShifts >= 7), Description: "cumulative fatigue reduces vigilance"})
	}
	if sm.LoadCount > 15 {
		concerns = append(concerns, SafetyConcern{Type: "delayed_care", Likelihood: likelihood(sm.LoadCount > 20), Description: "high patient load stretches response times"})
	}

	risk := SafetyLow
	switch {
	case sm.Score >= 85 || (sm.SevereZoneCount7d >= 4 && sm.SleepDeficitHours >= 10):
		risk = SafetyCritical
	case sm.Score >= 70 || len(concerns) >= 2:
		risk = SafetyHigh
	case sm.Score >= 40 || len(concerns) == 1:
		risk = SafetyModerate
	}

	var recs []string
	if risk.Rank() >= SafetyHigh.Rank() {
		recs = append(recs, "pair with a colleague for high-risk procedures")
	}
	if len(concerns) > 0 {
		recs = append(recs, "double-check medication calculations")
	}
	if sm.DaysSinceBreak >= 6 {
		recs = append(recs, "schedule a rest day")
	}
	return SafetyCorrelation{Risk: risk, Concerns: concerns, Recommendations: recs, Confidence: 0.7}, nil
}

func (m MockAnalyzer) Suggest(_ context.Context, req InterventionRequest) (Intervention, error) {
	in := FallbackIntervention(req.Strain)
	in.Fallback = false
	in.Confidence = 0.7
	if req.Category == models.CategoryNight && req.Strain < 8 {
		in.Title = "Night Shift Energy Reset"
		in.Steps = append([]string{"Step into a brighter area"}, in.Steps...)
		in.Rationale = "light exposure and slow breathing counter night-shift drowsiness"
	}
	return in, nil
}

func likelihood(high bool) string {
	if high {
		return "high"
	}
	return "moderate"
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func matched(s string, words []string) []string {
	var out []string
	for _, w := range words {
		if strings.Contains(s, w) {
			out = append(out, w)
		}
	}
	return out
}

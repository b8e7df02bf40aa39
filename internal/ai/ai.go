package ai

import (
	"context"

	"github.com/safeshift/backend/internal/models"
)

type TextClassifier interface {
	Classify(ctx context.Context, text string, cc ClassifyContext) (Classification, error)
}

type CrisisAssessor interface {
	Assess(ctx context.Context, text string, cc CrisisContext) (CrisisAssessment, error)
}

type SafetyCorrelator interface {
	Correlate(ctx context.Context, m SafetyMetrics) (SafetyCorrelation, error)
}

type InterventionCoach interface {
	Suggest(ctx context.Context, req InterventionRequest) (Intervention, error)
}

type ClassifyContext struct {
	SubjectID     string      `json:"subject_id"`
	ObservationID string      `json:"observation_id"`
	Strain        int         `json:"strain"`
	Zone          models.Zone `json:"zone"`
}

type Classification struct {
	Emotion    string   `json:"emotion"`
	Intensity  int      `json:"intensity"`
	Escalate   bool     `json:"escalate"`
	Themes     []string `json:"themes,omitempty"`
	Confidence float64  `json:"confidence"`
	Fallback   bool     `json:"fallback"`
}

type CrisisContext struct {
	SubjectID      string         `json:"subject_id"`
	ObservationID  string         `json:"observation_id"`
	Classification Classification `json:"classification"`
	Strain         int            `json:"strain"`
	Score          int            `json:"score"`
}

type CrisisAssessment struct {
	Severity          models.Severity `json:"severity"`
	Escalate          bool            `json:"escalate"`
	Indicators        []string        `json:"indicators,omitempty"`
	RecommendedAction string          `json:"recommended_action"`
	Confidence        float64         `json:"confidence"`
	Fallback          bool            `json:"fallback"`
}

type SafetyMetrics struct {
	SubjectID         string               `json:"subject_id"`
	ObservationID     string               `json:"observation_id"`
	Category          models.ShiftCategory `json:"category"`
	Score             int                  `json:"score"`
	Zone              models.Zone          `json:"zone"`
	Strain            int                  `json:"strain"`
	LoadCount         int                  `json:"load_count"`
	HoursRested       float64              `json:"hours_rested"`
	ConsecutiveShifts int                  `json:"consecutive_shifts"`
	SevereZoneCount7d int                  `json:"severe_zone_count_7d"`
	SleepDeficitHours float64              `json:"sleep_deficit_hours"`
	AvgShiftHours     float64              `json:"avg_shift_hours"`
	DaysSinceBreak    int                  `json:"days_since_break"`
}

type SafetyRisk string

const (
	SafetyLow      SafetyRisk = "low"
	SafetyModerate SafetyRisk = "moderate"
	SafetyHigh     SafetyRisk = "high"
	SafetyCritical SafetyRisk = "critical"
)

// Rank orders safety risks; unknown values rank as moderate.
func (r SafetyRisk) Rank() int {
	switch r {
	case SafetyLow:
		return 0
	case SafetyHigh:
		return 2
	case SafetyCritical:
		return 3
	}
	return 1
}

type SafetyConcern struct {
	Type        string `json:"type"`
	Likelihood  string `json:"likelihood"`
	Description string `json:"description"`
}

type SafetyCorrelation struct {
	Risk            SafetyRisk      `json:"risk"`
	Concerns        []SafetyConcern `json:"concerns"`
	Recommendations []string        `json:"recommendations"`
	Confidence      float64         `json:"confidence"`
	Fallback        bool            `json:"fallback"`
}

type InterventionRequest struct {
	SubjectID     string               `json:"subject_id"`
	ObservationID string               `json:"observation_id"`
	Strain        int                  `json:"strain"`
	Zone          models.Zone          `json:"zone"`
	HoursRested   float64              `json:"hours_rested"`
	Category      models.ShiftCategory `json:"category"`
}

type Intervention struct {
	Title           string   `json:"title"`
	DurationMinutes int      `json:"duration_minutes"`
	Steps           []string `json:"steps"`
	Rationale       string   `json:"rationale"`
	Confidence      float64  `json:"confidence"`
	Fallback        bool     `json:"fallback"`
}

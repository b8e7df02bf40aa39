package models

import "time"

type ShiftCategory string

const (
	CategoryDay   ShiftCategory = "day"
	CategoryNight ShiftCategory = "night"
	CategoryRest  ShiftCategory = "rest"
)

func (c ShiftCategory) Valid() bool {
	switch c {
	case CategoryDay, CategoryNight, CategoryRest:
		return true
	}
	return false
}

// HighLoad reports whether the category counts toward consecutive high-load runs.
func (c ShiftCategory) HighLoad() bool {
	return c == CategoryNight
}

type ShiftObservation struct {
	ID            string        `json:"id"`
	SubjectID     string        `json:"subject_id" validate:"required"`
	Date          time.Time     `json:"date" validate:"required"`
	HoursRested   float64       `json:"hours_rested" validate:"gte=0"`
	Category      ShiftCategory `json:"category" validate:"required,oneof=day night rest"`
	DurationHours float64       `json:"duration_hours" validate:"gte=0,lte=48"`
	LoadCount     int           `json:"load_count" validate:"gte=0"`
	Strain        int           `json:"strain" validate:"gte=1,lte=10"`
	Note          string        `json:"note,omitempty"`
	Score         int           `json:"score"`
	Zone          Zone          `json:"zone"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type RiskScore struct {
	Value int  `json:"value"`
	Zone  Zone `json:"zone"`
}

type Finding struct {
	Category  string         `json:"category"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Evidence  map[string]any `json:"evidence,omitempty"`
	SubjectID string         `json:"subject_id"`
	Origin    string         `json:"origin"`
}

const (
	OriginAnomaly      = "anomaly"
	OriginForecast     = "forecast"
	OriginTrend        = "trend"
	OriginOrchestrator = "orchestrator"
)

type Alert struct {
	ID               string         `json:"id"`
	SubjectID        string         `json:"subject_id"`
	Category         string         `json:"category"`
	Severity         Severity       `json:"severity"`
	Message          string         `json:"message"`
	Origin           string         `json:"origin"`
	Evidence         map[string]any `json:"evidence,omitempty"`
	Resolved         bool           `json:"resolved"`
	CreatedAt        time.Time      `json:"created_at"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy       string         `json:"resolved_by,omitempty"`
	ResolutionNote   string         `json:"resolution_note,omitempty"`
	ResolutionAction string         `json:"resolution_action,omitempty"`
}

type CooldownRule struct {
	Category     string        `json:"category"`
	Cooldown     time.Duration `json:"cooldown"`
	AutoEscalate bool          `json:"auto_escalate"`
	Priority     int           `json:"priority"`
	MinSeverity  Severity      `json:"min_severity"`
	MaxSeverity  Severity      `json:"max_severity"`
}

type ForecastStatus string

const (
	ForecastOK               ForecastStatus = "ok"
	ForecastInsufficientData ForecastStatus = "insufficient_data"
)

type TrendForecast struct {
	SubjectID          string         `json:"subject_id"`
	Status             ForecastStatus `json:"status"`
	Current            int            `json:"current"`
	Predicted          int            `json:"predicted"`
	Confidence         float64        `json:"confidence"`
	HorizonDays        int            `json:"horizon_days"`
	Slope              float64        `json:"slope"`
	DaysUntilThreshold *int           `json:"days_until_threshold,omitempty"`
	Risk               string         `json:"risk"`
	Direction          string         `json:"direction"`
	RecentAverage      float64        `json:"recent_average"`
	WindowAverage      float64        `json:"window_average"`
	Observations       int            `json:"observations"`
}

type InsightMessages struct {
	Worker     string `json:"worker"`
	Supervisor string `json:"supervisor"`
}

type ComposedInsight struct {
	Summary         string          `json:"summary"`
	Urgency         Urgency         `json:"urgency"`
	Items           []string        `json:"items"`
	Recommendations []string        `json:"recommendations"`
	StagesRun       []string        `json:"stages_run"`
	Messages        InsightMessages `json:"messages"`
	Confidence      float64         `json:"confidence"`
	Fallback        bool            `json:"fallback"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

type StageOutcome string

const (
	OutcomeRan      StageOutcome = "ran"
	OutcomeDegraded StageOutcome = "degraded"
	OutcomeSkipped  StageOutcome = "skipped"
)

type StageRun struct {
	ID            string       `json:"id"`
	Stage         string       `json:"stage"`
	SubjectID     string       `json:"subject_id"`
	ObservationID string       `json:"observation_id"`
	Outcome       StageOutcome `json:"outcome"`
	LatencyMs     int64        `json:"latency_ms"`
	Error         string       `json:"error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

type StageStats struct {
	Stage        string  `json:"stage"`
	Calls        int     `json:"calls"`
	Ran          int     `json:"ran"`
	Degraded     int     `json:"degraded"`
	Skipped      int     `json:"skipped"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

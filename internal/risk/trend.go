package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/safeshift/backend/internal/models"
)

const (
	CategoryForecastHighRisk = "forecast_high_risk"

	DefaultTrendWindow  = 30 * 24 * time.Hour
	DefaultHorizonDays  = 14
	CriticalThreshold   = 70
	minTrendObservation = 3
	recentSpan          = 7

	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"
)

type TrendPredictor struct {
	History HistoryReader
	Window  time.Duration
	Now     func() time.Time
}

func NewTrendPredictor(h HistoryReader, window time.Duration) *TrendPredictor {
	if window <= 0 {
		window = DefaultTrendWindow
	}
	return &TrendPredictor{History: h, Window: window, Now: time.Now}
}

func (p *TrendPredictor) Predict(ctx context.Context, subjectID string, horizonDays int) (models.TrendForecast, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	obs, err := p.History.ListObservations(ctx, subjectID, windowStart(now(), p.Window))
	if err != nil {
		return models.TrendForecast{}, fmt.Errorf("load history: %w", err)
	}
	f := Forecast(obs, horizonDays)
	f.SubjectID = subjectID
	return f, nil
}

// Forecast extrapolates the score series linearly. Fewer than three points
// produce an insufficient_data forecast with zero confidence.
func Forecast(obs []models.ShiftObservation, horizonDays int) models.TrendForecast {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	if len(obs) < minTrendObservation {
		return models.TrendForecast{
			Status:       models.ForecastInsufficientData,
			HorizonDays:  horizonDays,
			Observations: len(obs),
		}
	}
	sorted := make([]models.ShiftObservation, len(obs))
	copy(sorted, obs)
	sortByDate(sorted)

	scores := make([]float64, len(sorted))
	for i, o := range sorted {
		scores[i] = float64(o.Score)
	}
	n := float64(len(scores))
	slope := olsSlope(scores)
	last := scores[len(scores)-1]

	predicted := clampFloat(last+slope*(float64(horizonDays)/n), 0, MaxScore)
	confidence := clampFloat(1-sampleStdDev(scores)/100, 0.3, 1)

	f := models.TrendForecast{
		Status:        models.ForecastOK,
		Current:       int(last),
		Predicted:     int(predicted),
		Confidence:    math.Round(confidence*100) / 100,
		HorizonDays:   horizonDays,
		Slope:         math.Round(slope*1000) / 1000,
		Risk:          riskLabel(predicted),
		Direction:     direction(slope),
		WindowAverage: round1(mean(scores)),
		Observations:  len(scores),
	}
	recent := scores
	if len(recent) > recentSpan {
		recent = recent[len(recent)-recentSpan:]
	}
	f.RecentAverage = round1(mean(recent))

	if slope > 0 && last < CriticalThreshold {
		days := int((CriticalThreshold - last) / (slope / n))
		if days < 1 {
			days = 1
		}
		f.DaysUntilThreshold = &days
	}
	return f
}

// ForecastFinding turns a confident high-risk forecast into an alertable finding.
func ForecastFinding(f models.TrendForecast) (models.Finding, bool) {
	if f.Status != models.ForecastOK || f.Risk != RiskHigh || f.Confidence < 0.5 {
		return models.Finding{}, false
	}
	ev := map[string]any{
		"predicted":    f.Predicted,
		"confidence":   f.Confidence,
		"horizon_days": f.HorizonDays,
		"slope":        f.Slope,
	}
	if f.DaysUntilThreshold != nil {
		ev["days_until_threshold"] = *f.DaysUntilThreshold
	}
	return models.Finding{
		Category:  CategoryForecastHighRisk,
		Severity:  models.SeverityMedium,
		Message:   fmt.Sprintf("score forecast to reach %d within %d days", f.Predicted, f.HorizonDays),
		Evidence:  ev,
		SubjectID: f.SubjectID,
		Origin:    models.OriginForecast,
	}, true
}

func riskLabel(predicted float64) string {
	switch {
	case predicted >= CriticalThreshold:
		return RiskHigh
	case predicted >= 50:
		return RiskMedium
	}
	return RiskLow
}

func direction(slope float64) string {
	switch {
	case slope > 0.5:
		return "rising"
	case slope < -0.5:
		return "falling"
	}
	return "stable"
}

package alerting

import (
	"fmt"
	"sort"
	"time"

	"github.com/safeshift/backend/internal/models"
)

const (
	patternWindow      = 7 * 24 * time.Hour
	recoveryWindow     = 14 * 24 * time.Hour
	minPatternObs      = 3
	highStrain         = 7
	highStrainCount    = 3
	minDecliningObs    = 5
	decliningDelta     = 15.0
	recoveryMinObs     = 8
	recoveryMinSpanDay = 10
)

// TrendPatterns inspects a subject's recent history for multi-observation
// patterns. obs may cover the longer recovery window; the strain and decline
// checks only look at the most recent seven days.
func TrendPatterns(subjectID string, obs []models.ShiftObservation, now time.Time) []models.Finding {
	// newest first
	sorted := make([]models.ShiftObservation, len(obs))
	copy(sorted, obs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.After(sorted[j].Date) })

	cutoff := now.Add(-patternWindow)
	var week []models.ShiftObservation
	for _, o := range sorted {
		if !o.Date.Before(cutoff) {
			week = append(week, o)
		}
	}

	var out []models.Finding
	if len(week) >= minPatternObs {
		if f, ok := strainPattern(week); ok {
			out = append(out, f)
		}
		if f, ok := decliningPattern(week); ok {
			out = append(out, f)
		}
	}
	if f, ok := recoveryPattern(sorted); ok {
		out = append(out, f)
	}
	for i := range out {
		out[i].SubjectID = subjectID
		out[i].Origin = models.OriginTrend
	}
	return out
}

func strainPattern(week []models.ShiftObservation) (models.Finding, bool) {
	n := 0
	for _, o := range week {
		if o.Strain >= highStrain {
			n++
		}
	}
	if n < highStrainCount {
		return models.Finding{}, false
	}
	return models.Finding{
		Category: CategoryHighStrainPattern,
		Severity: models.SeverityHigh,
		Message:  fmt.Sprintf("high strain in %d of last %d observations", n, len(week)),
		Evidence: map[string]any{"high_strain_count": n, "observations": len(week)},
	}, true
}

// decliningPattern compares the three newest scores with the three before
// them. Scores grow with risk, so a rise is a decline in condition.
func decliningPattern(week []models.ShiftObservation) (models.Finding, bool) {
	if len(week) < minDecliningObs {
		return models.Finding{}, false
	}
	recent := avgScore(week[:3])
	end := 6
	if len(week) < end {
		end = len(week)
	}
	older := avgScore(week[3:end])
	if recent-older < decliningDelta {
		return models.Finding{}, false
	}
	return models.Finding{
		Category: CategoryDecliningTrend,
		Severity: models.SeverityHigh,
		Message:  fmt.Sprintf("risk score rising: %.0f -> %.0f", older, recent),
		Evidence: map[string]any{"older_avg": older, "recent_avg": recent},
	}, true
}

// recoveryPattern looks at the newest unbroken run of working observations.
func recoveryPattern(newestFirst []models.ShiftObservation) (models.Finding, bool) {
	var run []models.ShiftObservation
	for _, o := range newestFirst {
		if o.Category == models.CategoryRest {
			break
		}
		run = append(run, o)
	}
	if len(run) < recoveryMinObs {
		return models.Finding{}, false
	}
	span := int(run[0].Date.Sub(run[len(run)-1].Date).Hours() / 24)
	if span < recoveryMinSpanDay {
		return models.Finding{}, false
	}
	return models.Finding{
		Category: CategoryRecoveryNeeded,
		Severity: models.SeverityMedium,
		Message:  fmt.Sprintf("%d shifts over %d days without a rest day", len(run), span),
		Evidence: map[string]any{"observations": len(run), "span_days": span},
	}, true
}

func avgScore(obs []models.ShiftObservation) float64 {
	if len(obs) == 0 {
		return 0
	}
	var sum int
	for _, o := range obs {
		sum += o.Score
	}
	return float64(sum) / float64(len(obs))
}

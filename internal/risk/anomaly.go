package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/safeshift/backend/internal/models"
)

const (
	CategoryConsecutiveHighLoad  = "consecutive_high_load"
	CategoryChronicSleepDeficit  = "chronic_sleep_deficit"
	CategoryRisingStrain         = "rising_strain"
	CategoryFrequentSevereZone   = "frequent_severe_zone"
	CategoryFrequentElevatedZone = "frequent_elevated_zone"
	CategoryExtremeObservation   = "extreme_observation"

	DefaultAnomalyWindow = 14 * 24 * time.Hour

	minAnomalyObservations = 2
	minRisingObservations  = 5
	severeZoneHigh         = 4
	elevatedShareMedium    = 0.7
	extremeScore           = 85
)

type AnomalyDetector struct {
	History HistoryReader
	Window  time.Duration
	Now     func() time.Time
}

func NewAnomalyDetector(h HistoryReader, window time.Duration) *AnomalyDetector {
	if window <= 0 {
		window = DefaultAnomalyWindow
	}
	return &AnomalyDetector{History: h, Window: window, Now: time.Now}
}

// Detect evaluates every anomaly signature independently over the recent window.
// Fewer than two observations yield no findings.
func (d *AnomalyDetector) Detect(ctx context.Context, subjectID string) ([]models.Finding, error) {
	obs, err := d.History.ListObservations(ctx, subjectID, windowStart(d.now(), d.Window))
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return DetectAnomalies(subjectID, obs), nil
}

func (d *AnomalyDetector) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// DetectAnomalies runs the signatures over an already loaded window.
func DetectAnomalies(subjectID string, obs []models.ShiftObservation) []models.Finding {
	if len(obs) < minAnomalyObservations {
		return nil
	}
	sorted := make([]models.ShiftObservation, len(obs))
	copy(sorted, obs)
	sortByDate(sorted)

	var out []models.Finding
	add := func(f models.Finding, ok bool) {
		if !ok {
			return
		}
		f.SubjectID = subjectID
		f.Origin = models.OriginAnomaly
		out = append(out, f)
	}
	add(highLoadRun(sorted))
	add(sleepDeficit(sorted))
	add(risingStrain(sorted))
	add(zoneFrequency(sorted))
	add(extremeLatest(sorted))
	return out
}

func highLoadRun(obs []models.ShiftObservation) (models.Finding, bool) {
	longest, current := 0, 0
	ongoing := false
	for _, o := range obs {
		if o.Category.HighLoad() {
			current++
			if current >= longest {
				longest = current
				ongoing = true
			}
			continue
		}
		current = 0
		ongoing = false
	}
	if longest < 3 {
		return models.Finding{}, false
	}
	sev := models.SeverityMedium
	if longest >= 5 {
		sev = models.SeverityHigh
	}
	msg := fmt.Sprintf("%d consecutive night shifts", longest)
	if ongoing {
		msg += " (ongoing)"
	}
	return models.Finding{
		Category: CategoryConsecutiveHighLoad,
		Severity: sev,
		Message:  msg,
		Evidence: map[string]any{"run_length": longest, "ongoing": ongoing},
	}, true
}

func sleepDeficit(obs []models.ShiftObservation) (models.Finding, bool) {
	rested := make([]float64, len(obs))
	for i, o := range obs {
		rested[i] = o.HoursRested
	}
	avg := mean(rested)
	var sev models.Severity
	switch {
	case avg < 5:
		sev = models.SeverityHigh
	case avg < 6:
		sev = models.SeverityMedium
	default:
		return models.Finding{}, false
	}
	return models.Finding{
		Category: CategoryChronicSleepDeficit,
		Severity: sev,
		Message:  fmt.Sprintf("average rest %.1fh over the window", avg),
		Evidence: map[string]any{"average_rested": round1(avg), "observations": len(obs)},
	}, true
}

func risingStrain(obs []models.ShiftObservation) (models.Finding, bool) {
	if len(obs) < minRisingObservations {
		return models.Finding{}, false
	}
	half := len(obs) / 2
	first := strainValues(obs[:half])
	second := strainValues(obs[half:])
	a, b := mean(first), mean(second)
	if b <= a+2 {
		return models.Finding{}, false
	}
	return models.Finding{
		Category: CategoryRisingStrain,
		Severity: models.SeverityHigh,
		Message:  fmt.Sprintf("strain rising from %.1f to %.1f", a, b),
		Evidence: map[string]any{"first_half_avg": round1(a), "second_half_avg": round1(b)},
	}, true
}

func zoneFrequency(obs []models.ShiftObservation) (models.Finding, bool) {
	severe, elevatedOrWorse := 0, 0
	for _, o := range obs {
		if o.Zone >= models.ZoneElevated {
			elevatedOrWorse++
		}
		if o.Zone == models.ZoneSevere {
			severe++
		}
	}
	if severe >= severeZoneHigh {
		return models.Finding{
			Category: CategoryFrequentSevereZone,
			Severity: models.SeverityHigh,
			Message:  fmt.Sprintf("%d of %d observations in the severe zone", severe, len(obs)),
			Evidence: map[string]any{"severe_count": severe, "observations": len(obs)},
		}, true
	}
	if float64(elevatedOrWorse) >= float64(len(obs))*elevatedShareMedium {
		return models.Finding{
			Category: CategoryFrequentElevatedZone,
			Severity: models.SeverityMedium,
			Message:  fmt.Sprintf("%d of %d observations elevated or severe", elevatedOrWorse, len(obs)),
			Evidence: map[string]any{"elevated_count": elevatedOrWorse, "observations": len(obs)},
		}, true
	}
	return models.Finding{}, false
}

func extremeLatest(obs []models.ShiftObservation) (models.Finding, bool) {
	last := obs[len(obs)-1]
	if last.Score < extremeScore {
		return models.Finding{}, false
	}
	return models.Finding{
		Category: CategoryExtremeObservation,
		Severity: models.SeverityHigh,
		Message:  fmt.Sprintf("latest observation scored %d", last.Score),
		Evidence: map[string]any{"score": last.Score, "observation_id": last.ID},
	}, true
}

func strainValues(obs []models.ShiftObservation) []float64 {
	out := make([]float64, len(obs))
	for i, o := range obs {
		out[i] = float64(o.Strain)
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

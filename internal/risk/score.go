package risk

import (
	"errors"
	"fmt"

	"github.com/safeshift/backend/internal/models"
)

const (
	MaxScore = 100

	elevatedFrom = 40
	severeFrom   = 70

	maxRestedHours   = 24
	maxDurationHours = 48
)

var ErrInvalidObservation = errors.New("invalid observation")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid observation: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidObservation }

type ScoreInput struct {
	HoursRested   float64
	Category      models.ShiftCategory
	DurationHours float64
	LoadCount     int
	Strain        int
}

func InputFrom(o models.ShiftObservation) ScoreInput {
	return ScoreInput{
		HoursRested:   o.HoursRested,
		Category:      o.Category,
		DurationHours: o.DurationHours,
		LoadCount:     o.LoadCount,
		Strain:        o.Strain,
	}
}

func (in ScoreInput) Validate() error {
	switch {
	case in.HoursRested < 0:
		return &ValidationError{Field: "hours_rested", Reason: "must not be negative"}
	case !in.Category.Valid():
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown value %q", in.Category)}
	case in.DurationHours < 0:
		return &ValidationError{Field: "duration_hours", Reason: "must not be negative"}
	case in.DurationHours > maxDurationHours:
		return &ValidationError{Field: "duration_hours", Reason: fmt.Sprintf("must not exceed %d", maxDurationHours)}
	case in.LoadCount < 0:
		return &ValidationError{Field: "load_count", Reason: "must not be negative"}
	case in.Strain < 1 || in.Strain > 10:
		return &ValidationError{Field: "strain", Reason: "must be between 1 and 10"}
	}
	return nil
}

// Score computes the composite risk score. It is pure: equal inputs give equal scores.
func Score(in ScoreInput) (models.RiskScore, error) {
	if err := in.Validate(); err != nil {
		return models.RiskScore{}, err
	}
	rested := in.HoursRested
	if rested > maxRestedHours {
		rested = maxRestedHours
	}

	total := restPoints(rested) +
		categoryPoints(in.Category) +
		durationPoints(in.DurationHours) +
		loadPoints(in.LoadCount) +
		in.Strain*2
	if total > MaxScore {
		total = MaxScore
	}
	if total < 0 {
		total = 0
	}
	return models.RiskScore{Value: total, Zone: ZoneFor(total)}, nil
}

// MustScore is for inputs that already passed Validate.
func MustScore(in ScoreInput) models.RiskScore {
	s, err := Score(in)
	if err != nil {
		panic(err)
	}
	return s
}

func ZoneFor(score int) models.Zone {
	switch {
	case score >= severeFrom:
		return models.ZoneSevere
	case score >= elevatedFrom:
		return models.ZoneElevated
	default:
		return models.ZoneLow
	}
}

func restPoints(h float64) int {
	switch {
	case h < 4:
		return 30
	case h < 5:
		return 25
	case h < 6:
		return 20
	case h < 7:
		return 10
	}
	return 0
}

func categoryPoints(c models.ShiftCategory) int {
	switch c {
	case models.CategoryNight:
		return 25
	case models.CategoryDay:
		return 10
	}
	return 0
}

func durationPoints(h float64) int {
	switch {
	case h >= 24:
		return 20
	case h >= 12:
		return 15
	case h >= 8:
		return 5
	}
	return 0
}

func loadPoints(n int) int {
	switch {
	case n > 20:
		return 15
	case n > 15:
		return 10
	case n > 10:
		return 5
	}
	return 0
}

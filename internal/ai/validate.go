package ai

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/safeshift/backend/internal/models"
)

// ErrInvalidAnswer marks a collaborator reply that decoded but does not
// carry a usable result. Callers treat it like any other failure and fall
// back.
var ErrInvalidAnswer = errors.New("invalid collaborator answer")

// Validator is implemented by every collaborator result type.
type Validator interface {
	Validate() error
}

// CheckAnswer validates v when it knows how to.
func CheckAnswer(v any) error {
	if c, ok := v.(Validator); ok {
		return c.Validate()
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidAnswer, fmt.Sprintf(format, args...))
}

func validConfidence(c float64) bool { return c >= 0 && c <= 1 }

func (c Classification) Validate() error {
	switch {
	case c.Intensity < 1 || c.Intensity > 10:
		return invalid("classification intensity %d outside 1..10", c.Intensity)
	case !validConfidence(c.Confidence):
		return invalid("classification confidence %.2f outside 0..1", c.Confidence)
	}
	return nil
}

func (c CrisisAssessment) Validate() error {
	switch {
	case c.Severity < models.SeverityLow || c.Severity > models.SeverityCritical:
		return invalid("crisis severity %d out of range", int(c.Severity))
	case !validConfidence(c.Confidence):
		return invalid("crisis confidence %.2f outside 0..1", c.Confidence)
	}
	return nil
}

// UnmarshalJSON rejects answers without a severity. The zero Severity is
// low, so a missing key would otherwise read as the least cautious answer.
func (c *CrisisAssessment) UnmarshalJSON(b []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}
	if raw, ok := keys["severity"]; !ok || string(raw) == "null" {
		return invalid("crisis answer has no severity")
	}
	type plain CrisisAssessment
	return json.Unmarshal(b, (*plain)(c))
}

func (s SafetyCorrelation) Validate() error {
	switch s.Risk {
	case SafetyLow, SafetyModerate, SafetyHigh, SafetyCritical:
	default:
		return invalid("safety risk %q is not a known tier", s.Risk)
	}
	if !validConfidence(s.Confidence) {
		return invalid("safety confidence %.2f outside 0..1", s.Confidence)
	}
	return nil
}

func (i Intervention) Validate() error {
	switch {
	case i.Title == "":
		return invalid("intervention has no title")
	case i.DurationMinutes <= 0:
		return invalid("intervention duration %d is not positive", i.DurationMinutes)
	}
	return nil
}

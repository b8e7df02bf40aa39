package models

import (
	"fmt"
	"strings"
)

// Zone is the coarse band of a risk score. Ordered: Low < Elevated < Severe.
type Zone int

const (
	ZoneLow Zone = iota
	ZoneElevated
	ZoneSevere
)

var zoneNames = [...]string{"low", "elevated", "severe"}

func (z Zone) String() string {
	if z < ZoneLow || z > ZoneSevere {
		return fmt.Sprintf("zone(%d)", int(z))
	}
	return zoneNames[z]
}

func ParseZone(s string) (Zone, error) {
	for i, n := range zoneNames {
		if strings.EqualFold(s, n) {
			return Zone(i), nil
		}
	}
	return ZoneLow, fmt.Errorf("unknown zone %q", s)
}

func (z Zone) MarshalText() ([]byte, error) { return []byte(z.String()), nil }

func (z *Zone) UnmarshalText(b []byte) error {
	v, err := ParseZone(string(b))
	if err != nil {
		return err
	}
	*z = v
	return nil
}

// Severity is totally ordered; comparisons with < and > are meaningful.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

func ParseSeverity(s string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(s, n) {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Escalate returns the next severity up, saturating at critical.
func (s Severity) Escalate() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

func (s Severity) Clamp(lo, hi Severity) Severity {
	if hi < lo {
		hi = lo
	}
	if s < lo {
		return lo
	}
	if s > hi {
		return hi
	}
	return s
}

func AllSeverities() []Severity {
	return []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

type Urgency int

const (
	UrgencyRoutine Urgency = iota
	UrgencyAttentionNeeded
	UrgencyUrgent
	UrgencyCritical
)

var urgencyNames = [...]string{"routine", "attention_needed", "urgent", "critical"}

func (u Urgency) String() string {
	if u < UrgencyRoutine || u > UrgencyCritical {
		return fmt.Sprintf("urgency(%d)", int(u))
	}
	return urgencyNames[u]
}

func ParseUrgency(s string) (Urgency, error) {
	for i, n := range urgencyNames {
		if strings.EqualFold(s, n) {
			return Urgency(i), nil
		}
	}
	return UrgencyRoutine, fmt.Errorf("unknown urgency %q", s)
}

func (u Urgency) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

func (u *Urgency) UnmarshalText(b []byte) error {
	v, err := ParseUrgency(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

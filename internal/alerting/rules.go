package alerting

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/safeshift/backend/internal/models"
	"github.com/safeshift/backend/internal/risk"
)

const (
	CategoryCrisisDetected        = "crisis_detected"
	CategoryPatientSafetyRisk     = "patient_safety_risk"
	CategoryComprehensiveAnalysis = "comprehensive_analysis"
	CategoryHighStrainPattern     = "high_strain_pattern"
	CategoryDecliningTrend        = "declining_trend"
	CategoryRecoveryNeeded        = "recovery_needed"

	defaultCooldown = 24 * time.Hour
	defaultPriority = 5
)

func rule(category string, cooldownHours int, escalate bool, priority int, lo, hi models.Severity) models.CooldownRule {
	return models.CooldownRule{
		Category:     category,
		Cooldown:     time.Duration(cooldownHours) * time.Hour,
		AutoEscalate: escalate,
		Priority:     priority,
		MinSeverity:  lo,
		MaxSeverity:  hi,
	}
}

// DefaultRules is the built-in cooldown table keyed by category.
func DefaultRules() map[string]models.CooldownRule {
	low, med, high, crit := models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical
	rules := []models.CooldownRule{
		rule(CategoryCrisisDetected, 24, true, 1, high, crit),
		rule(CategoryPatientSafetyRisk, 24, true, 1, high, crit),
		rule(CategoryComprehensiveAnalysis, 24, false, 2, high, crit),
		rule(risk.CategoryChronicSleepDeficit, 72, true, 2, med, crit),
		rule(risk.CategoryExtremeObservation, 24, false, 2, med, crit),
		rule(risk.CategoryConsecutiveHighLoad, 48, false, 3, low, high),
		rule(CategoryHighStrainPattern, 48, false, 3, med, high),
		rule(risk.CategoryRisingStrain, 48, false, 3, med, high),
		rule(CategoryDecliningTrend, 72, false, 3, med, high),
		rule(risk.CategoryFrequentSevereZone, 48, false, 3, med, crit),
		rule(risk.CategoryFrequentElevatedZone, 48, false, 4, low, high),
		rule(risk.CategoryForecastHighRisk, 72, false, 4, low, high),
		rule(CategoryRecoveryNeeded, 96, false, 4, low, high),
	}
	out := make(map[string]models.CooldownRule, len(rules))
	for _, r := range rules {
		out[r.Category] = r
	}
	return out
}

func DefaultRule(category string) models.CooldownRule {
	return rule(category, int(defaultCooldown/time.Hour), false, defaultPriority, models.SeverityLow, models.SeverityCritical)
}

type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Category     string        `yaml:"category"`
	Cooldown     time.Duration `yaml:"cooldown"`
	AutoEscalate *bool         `yaml:"auto_escalate"`
	Priority     int           `yaml:"priority"`
	MinSeverity  string        `yaml:"min_severity"`
	MaxSeverity  string        `yaml:"max_severity"`
}

// LoadRules reads YAML overrides and merges them over the defaults. Fields
// omitted in the file keep the default for that category.
func LoadRules(path string) (map[string]models.CooldownRule, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return MergeRules(rules, b)
}

func MergeRules(rules map[string]models.CooldownRule, data []byte) (map[string]models.CooldownRule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for _, e := range f.Rules {
		if e.Category == "" {
			return nil, fmt.Errorf("parse rules: entry without category")
		}
		r, ok := rules[e.Category]
		if !ok {
			r = DefaultRule(e.Category)
		}
		if e.Cooldown < 0 {
			return nil, fmt.Errorf("rule %s: negative cooldown", e.Category)
		}
		if e.Cooldown > 0 {
			r.Cooldown = e.Cooldown
		}
		if e.AutoEscalate != nil {
			r.AutoEscalate = *e.AutoEscalate
		}
		if e.Priority > 0 {
			r.Priority = e.Priority
		}
		if e.MinSeverity != "" {
			s, err := models.ParseSeverity(e.MinSeverity)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", e.Category, err)
			}
			r.MinSeverity = s
		}
		if e.MaxSeverity != "" {
			s, err := models.ParseSeverity(e.MaxSeverity)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", e.Category, err)
			}
			r.MaxSeverity = s
		}
		if r.MaxSeverity < r.MinSeverity {
			return nil, fmt.Errorf("rule %s: max_severity below min_severity", e.Category)
		}
		rules[e.Category] = r
	}
	return rules, nil
}

package ai

import "github.com/safeshift/backend/internal/models"

// Fallback values are used when a collaborator fails or times out. They are
// always tagged so callers can tell them from genuine answers.

func FallbackClassification() Classification {
	return Classification{
		Emotion:    "neutral",
		Intensity:  5,
		Escalate:   false,
		Confidence: 0.2,
		Fallback:   true,
	}
}

// FallbackCrisis is deliberately the most cautious answer.
func FallbackCrisis() CrisisAssessment {
	return CrisisAssessment{
		Severity:          models.SeverityCritical,
		Escalate:          true,
		RecommendedAction: "contact supervisor or crisis line",
		Confidence:        0,
		Fallback:          true,
	}
}

func FallbackSafety() SafetyCorrelation {
	return SafetyCorrelation{
		Risk: SafetyModerate,
		Concerns: []SafetyConcern{{
			Type:        "general_fatigue",
			Likelihood:  "moderate",
			Description: "fatigue may affect attention to detail",
		}},
		Recommendations: []string{"double-check medication doses", "take scheduled breaks"},
		Confidence:      0.3,
		Fallback:        true,
	}
}

func FallbackIntervention(strain int) Intervention {
	if strain >= 8 {
		return Intervention{
			Title:           "Emergency Grounding Technique",
			DurationMinutes: 3,
			Steps: []string{
				"Name 5 things you can see",
				"Name 4 things you can touch",
				"Name 3 things you can hear",
				"Take 3 slow breaths",
			},
			Rationale:  "grounding interrupts acute stress",
			Confidence: 0.3,
			Fallback:   true,
		}
	}
	return Intervention{
		Title:           "Quick Breathing Reset",
		DurationMinutes: 2,
		Steps: []string{
			"Breathe in for 4 counts",
			"Hold for 4 counts",
			"Breathe out for 6 counts",
			"Repeat 5 times",
		},
		Rationale:  "slow exhale lowers heart rate",
		Confidence: 0.3,
		Fallback:   true,
	}
}

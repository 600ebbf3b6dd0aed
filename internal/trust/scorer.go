// Package trust scores how reliable each compliance rule has proven to be,
// from reviewer verdicts and human feedback on its alerts.
package trust

import "github.com/MikeSquared-Agency/aegis/internal/model"

// InitialScore is the score of a rule with no signals yet.
const InitialScore = 0.5

// DecayRate is the daily pull of an idle score back towards InitialScore.
const DecayRate = 0.01

// Signal sources, in decreasing order of authority.
const (
	SourceHuman     = "human"
	SourceGuardian  = "guardian"
	SourceHeuristic = "heuristic"
)

// SignalWeight returns the trust score increment for a given severity.
func SignalWeight(severity model.Severity) float64 {
	switch severity {
	case model.SeverityMedium:
		return 0.02
	case model.SeverityHigh:
		return 0.03
	case model.SeverityCritical:
		return 0.05
	default:
		return 0.01
	}
}

// SourceModifier scales a signal by who produced it.
// human=1.0, guardian=0.5, heuristic=0.25, unknown/default=1.0.
func SourceModifier(source string) float64 {
	switch source {
	case SourceHuman:
		return 1.0
	case SourceGuardian:
		return 0.5
	case SourceHeuristic:
		return 0.25
	default:
		return 1.0
	}
}

// UpdateScoreFromSource calculates the new trust score after a signal,
// scaling the weight by the source modifier.
//
// Formula: new_score = old_score + (signal_weight x source_modifier x direction)
// Degradation is asymmetric: wrong alerts count 2x.
func UpdateScoreFromSource(currentScore float64, severity model.Severity, correct bool, source string) float64 {
	weight := SignalWeight(severity) * SourceModifier(source)

	if correct {
		return clamp(currentScore + weight)
	}
	return clamp(currentScore - weight*2.0)
}

// CriticalFailureDrop applies a cliff drop when a human rejects a critical alert.
func CriticalFailureDrop(currentScore float64) float64 {
	score := currentScore - 0.3
	if score < 0.0 {
		return 0.0
	}
	return score
}

// DecayScore pulls a stale score back towards InitialScore.
// decayRate is typically 0.01, days is the number of days since last signal.
func DecayScore(currentScore float64, decayRate float64, days int) float64 {
	score := currentScore
	for i := 0; i < days; i++ {
		score = InitialScore + (score-InitialScore)*(1.0-decayRate)
	}
	return clamp(score)
}

func clamp(score float64) float64 {
	if score < 0.0 {
		return 0.0
	}
	if score > 1.0 {
		return 1.0
	}
	return score
}

// Package risk assigns deterministic risk scores to security observations.
package risk

import (
	"strings"

	"secmon/internal/schema"
)

// DefaultTypeMultiplier applies to event types missing from the table.
const DefaultTypeMultiplier = 0.5

// ExternalSourceFactor is applied when the source mentions "external".
const ExternalSourceFactor = 1.2

var severityWeights = map[schema.Severity]float64{
	schema.SeverityCritical: 1.0,
	schema.SeverityHigh:     0.8,
	schema.SeverityMedium:   0.6,
	schema.SeverityLow:      0.4,
	schema.SeverityInfo:     0.2,
}

var typeMultipliers = map[schema.EventType]float64{
	schema.EventSystemCompromise:      1.0,
	schema.EventDataExfiltration:      0.95,
	schema.EventPrivilegeEscalation:   0.9,
	schema.EventDataBreachAttempt:     0.9,
	schema.EventMalwareDetected:       0.85,
	schema.EventNetworkIntrusion:      0.8,
	schema.EventSQLInjectionAttempt:   0.75,
	schema.EventBruteForceAttack:      0.7,
	schema.EventXSSAttempt:            0.6,
	schema.EventSuspiciousActivity:    0.6,
	schema.EventAuthenticationFailure: 0.4,
	schema.EventPolicyViolation:       0.3,
}

// Scorer computes severityWeight x typeMultiplier x sourceFactor, clamped
// to [0,1].
type Scorer struct{}

// NewScorer creates a Scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score returns the risk score for an observation. Callers validate the
// observation first; an unknown severity weighs 0.
func (s *Scorer) Score(obs *schema.Observation) float64 {
	score := SeverityWeight(obs.Severity) * TypeMultiplier(obs.Type) * SourceFactor(obs.Source)
	return clamp(score)
}

// SeverityWeight returns the fixed weight for a severity.
func SeverityWeight(sev schema.Severity) float64 {
	return severityWeights[sev]
}

// TypeMultiplier returns the per-type multiplier, or DefaultTypeMultiplier.
func TypeMultiplier(t schema.EventType) float64 {
	if m, ok := typeMultipliers[t]; ok {
		return m
	}
	return DefaultTypeMultiplier
}

// SourceFactor returns the source reputation factor.
func SourceFactor(source string) float64 {
	if strings.Contains(source, "external") {
		return ExternalSourceFactor
	}
	return 1.0
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

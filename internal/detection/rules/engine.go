package rules

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"secmon/internal/alerting"
	"secmon/internal/detection/pattern"
	"secmon/internal/schema"
)

// Engine evaluates events against alert rules.
type Engine struct {
	patterns *pattern.Cache
	now      func() time.Time
}

// NewEngine creates an engine sharing the given pattern cache. A nil cache
// gets a private one.
func NewEngine(patterns *pattern.Cache) *Engine {
	if patterns == nil {
		patterns = pattern.NewCache(pattern.DefaultSize)
	}
	return &Engine{patterns: patterns, now: time.Now}
}

// Matches reports whether rule fires for event: the rule is active, covers
// the event type and every condition holds.
func (e *Engine) Matches(rule *AlertRule, event *schema.SecurityEvent) bool {
	if !rule.AppliesTo(event.Type) {
		return false
	}
	for i := range rule.Conditions {
		if !rule.Conditions[i].Matches(event, e.patterns) {
			return false
		}
	}
	return true
}

// Evaluate returns one open alert per firing rule, each carrying only the
// triggering event.
func (e *Engine) Evaluate(event *schema.SecurityEvent, rules []*AlertRule) []*alerting.SecurityAlert {
	if event == nil {
		return nil
	}
	var alerts []*alerting.SecurityAlert
	for _, rule := range rules {
		if !e.Matches(rule, event) {
			continue
		}
		now := e.now()
		alerts = append(alerts, &alerting.SecurityAlert{
			ID:              uuid.New(),
			RuleID:          rule.ID,
			Timestamp:       now,
			Severity:        rule.Severity,
			Title:           rule.Name,
			Description:     describe(rule, event),
			Events:          []schema.SecurityEvent{*event.Clone()},
			Recommendations: Recommendations(event.Type),
			Status:          alerting.StatusOpen,
			UpdatedAt:       now,
		})
	}
	return alerts
}

func describe(rule *AlertRule, event *schema.SecurityEvent) string {
	if rule.Description == "" {
		return fmt.Sprintf("%s from %s: %s", event.Type, event.Source, event.Description)
	}
	return fmt.Sprintf("%s (source: %s, risk: %.2f)", rule.Description, event.Source, event.RiskScore)
}

var recommendations = map[schema.EventType][]string{
	schema.EventMalwareDetected: {
		"Isolate the affected host from the network",
		"Run a full malware scan and collect a forensic image",
		"Review recent file and process activity on the host",
	},
	schema.EventBruteForceAttack: {
		"Block or rate limit the offending source address",
		"Enforce account lockout and multi-factor authentication",
		"Review targeted accounts for successful logins",
	},
	schema.EventPrivilegeEscalation: {
		"Revoke the elevated privileges immediately",
		"Audit recent actions performed with the escalated account",
		"Review role assignments and sudo policies",
	},
	schema.EventDataExfiltration: {
		"Block outbound traffic to the destination",
		"Identify the data involved and assess disclosure obligations",
		"Preserve network logs for forensic analysis",
	},
	schema.EventDataBreachAttempt: {
		"Verify access controls on the targeted data store",
		"Check whether any records were read or exported",
	},
	schema.EventSystemCompromise: {
		"Activate the incident response plan",
		"Isolate the compromised system and rotate its credentials",
		"Rebuild from a known-good image after forensic capture",
	},
	schema.EventNetworkIntrusion: {
		"Block the intruding address at the perimeter",
		"Inspect lateral movement from the entry point",
	},
	schema.EventSQLInjectionAttempt: {
		"Review the targeted endpoint for parameterized queries",
		"Enable or tighten web application firewall rules",
	},
	schema.EventXSSAttempt: {
		"Verify output encoding on the targeted page",
		"Review the Content-Security-Policy header",
	},
	schema.EventAuthenticationFailure: {
		"Confirm with the account owner whether the attempts were legitimate",
		"Check for credential stuffing across other accounts",
	},
}

var genericRecommendations = []string{
	"Investigate the event and related activity",
	"Document findings and update detection rules if needed",
}

// Recommendations returns response advice for an event type.
func Recommendations(t schema.EventType) []string {
	if recs, ok := recommendations[t]; ok {
		return append([]string(nil), recs...)
	}
	return append([]string(nil), genericRecommendations...)
}

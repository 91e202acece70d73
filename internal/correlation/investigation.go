// Package correlation builds investigations over stored security events:
// chronological timelines, known attack patterns and impact estimates.
package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	secerrors "secmon/internal/errors"
	"secmon/internal/schema"
)

// InvestigationStatus is the lifecycle of an investigation.
type InvestigationStatus string

const (
	InvestigationActive    InvestigationStatus = "active"
	InvestigationCompleted InvestigationStatus = "completed"
	InvestigationArchived  InvestigationStatus = "archived"
)

// IsValid checks if the status is known.
func (s InvestigationStatus) IsValid() bool {
	switch s {
	case InvestigationActive, InvestigationCompleted, InvestigationArchived:
		return true
	}
	return false
}

// AttackPattern is a catalogue pattern found in an investigation.
type AttackPattern struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Confidence  float64     `json:"confidence"`
	Techniques  []string    `json:"techniques,omitempty"`
	EventIDs    []uuid.UUID `json:"event_ids"`
}

// TimelineEntry is one event in an investigation timeline.
type TimelineEntry struct {
	Timestamp   time.Time        `json:"timestamp"`
	EventID     uuid.UUID        `json:"event_id"`
	Type        schema.EventType `json:"type"`
	Description string           `json:"description"`
	Severity    schema.Severity  `json:"severity"`
}

// ImpactAssessment estimates the blast radius of the investigated events.
type ImpactAssessment struct {
	RiskLevel        string   `json:"risk_level"`
	SystemsAffected  int      `json:"systems_affected"`
	DataAtRisk       bool     `json:"data_at_risk"`
	EstimatedCost    float64  `json:"estimated_cost"`
	ComplianceImpact []string `json:"compliance_impact"`
}

// InvestigationResult is an immutable snapshot of the investigated events;
// only Status changes afterwards.
type InvestigationResult struct {
	ID              uuid.UUID              `json:"id"`
	Timestamp       time.Time              `json:"timestamp"`
	Events          []schema.SecurityEvent `json:"events"`
	AttackPatterns  []AttackPattern        `json:"attack_patterns"`
	Timeline        []TimelineEntry        `json:"timeline"`
	Impact          ImpactAssessment       `json:"impact"`
	Recommendations []string               `json:"recommendations"`
	Status          InvestigationStatus    `json:"status"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Clone returns a deep copy.
func (r *InvestigationResult) Clone() *InvestigationResult {
	c := *r
	c.Events = make([]schema.SecurityEvent, len(r.Events))
	for i := range r.Events {
		c.Events[i] = *r.Events[i].Clone()
	}
	c.AttackPatterns = make([]AttackPattern, len(r.AttackPatterns))
	for i, p := range r.AttackPatterns {
		p.Techniques = append([]string(nil), p.Techniques...)
		p.EventIDs = append([]uuid.UUID(nil), p.EventIDs...)
		c.AttackPatterns[i] = p
	}
	c.Timeline = append([]TimelineEntry(nil), r.Timeline...)
	c.Impact.ComplianceImpact = append([]string(nil), r.Impact.ComplianceImpact...)
	c.Recommendations = append([]string(nil), r.Recommendations...)
	return &c
}

// EventSource resolves event ids to stored events.
type EventSource interface {
	GetMany(ids []uuid.UUID) []*schema.SecurityEvent
}

// severityCost is the estimated incident cost per event, in USD.
var severityCost = map[schema.Severity]float64{
	schema.SeverityCritical: 50000,
	schema.SeverityHigh:     10000,
	schema.SeverityMedium:   2500,
	schema.SeverityLow:      500,
	schema.SeverityInfo:     100,
}

// Investigator creates and retains investigations.
type Investigator struct {
	events    EventSource
	catalogue []PatternDef
	now       func() time.Time

	mu      sync.RWMutex
	results map[uuid.UUID]*InvestigationResult
	order   []uuid.UUID
}

// NewInvestigator creates an investigator over events.
func NewInvestigator(events EventSource) *Investigator {
	return &Investigator{
		events:    events,
		catalogue: Catalogue(),
		now:       time.Now,
		results:   make(map[uuid.UUID]*InvestigationResult),
	}
}

// Investigate builds an investigation from the events that resolve. It
// fails with a NotFoundError when none do.
func (inv *Investigator) Investigate(ctx context.Context, ids []uuid.UUID) (*InvestigationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	found := inv.events.GetMany(ids)
	if len(found) == 0 {
		return nil, secerrors.NewNotFoundError("events", fmt.Sprintf("none of %d ids resolved", len(ids)))
	}

	events := make([]schema.SecurityEvent, len(found))
	for i, ev := range found {
		events[i] = *ev
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	patterns := inv.detectPatterns(events)
	impact := assessImpact(events)
	now := inv.now()

	result := &InvestigationResult{
		ID:              uuid.New(),
		Timestamp:       now,
		Events:          events,
		AttackPatterns:  patterns,
		Timeline:        buildTimeline(events),
		Impact:          impact,
		Recommendations: recommend(events, patterns, impact),
		Status:          InvestigationActive,
		UpdatedAt:       now,
	}

	inv.mu.Lock()
	inv.results[result.ID] = result
	inv.order = append(inv.order, result.ID)
	inv.mu.Unlock()

	slog.Info("investigation created",
		"investigation_id", result.ID,
		"events", len(events),
		"requested", len(ids),
		"patterns", len(patterns),
		"risk_level", impact.RiskLevel,
	)
	return result.Clone(), nil
}

func (inv *Investigator) detectPatterns(events []schema.SecurityEvent) []AttackPattern {
	byType := make(map[schema.EventType][]uuid.UUID)
	for _, ev := range events {
		byType[ev.Type] = append(byType[ev.Type], ev.ID)
	}

	patterns := []AttackPattern{}
	for _, def := range inv.catalogue {
		var ids []uuid.UUID
		matched := true
		for _, t := range def.Requires {
			if len(byType[t]) == 0 {
				matched = false
				break
			}
			ids = append(ids, byType[t]...)
		}
		if !matched {
			continue
		}
		patterns = append(patterns, AttackPattern{
			Name:        def.Name,
			Description: def.Description,
			Confidence:  def.Confidence,
			Techniques:  append([]string(nil), def.Techniques...),
			EventIDs:    ids,
		})
	}
	return patterns
}

func buildTimeline(events []schema.SecurityEvent) []TimelineEntry {
	timeline := make([]TimelineEntry, len(events))
	for i, ev := range events {
		timeline[i] = TimelineEntry{
			Timestamp:   ev.Timestamp,
			EventID:     ev.ID,
			Type:        ev.Type,
			Description: ev.Description,
			Severity:    ev.Severity,
		}
	}
	return timeline
}

func assessImpact(events []schema.SecurityEvent) ImpactAssessment {
	impact := ImpactAssessment{RiskLevel: "medium", ComplianceImpact: []string{}}
	sources := make(map[string]bool)
	compliance := make(map[string]bool)

	for _, ev := range events {
		sources[ev.Source] = true
		impact.EstimatedCost += severityCost[ev.Severity]

		if ev.Severity == schema.SeverityCritical || ev.Severity == schema.SeverityHigh {
			impact.RiskLevel = "high"
		}
		breach := ev.Type == schema.EventDataExfiltration || ev.Type == schema.EventDataBreachAttempt
		if breach {
			impact.DataAtRisk = true
			compliance["GDPR"] = true
			compliance["SOC 2"] = true
		}
		if pii, _ := ev.Metadata.Context["containsPII"].(bool); pii {
			compliance["GDPR"] = true
			compliance["CCPA"] = true
		}
	}

	impact.SystemsAffected = len(sources)
	for c := range compliance {
		impact.ComplianceImpact = append(impact.ComplianceImpact, c)
	}
	sort.Strings(impact.ComplianceImpact)
	return impact
}

func recommend(events []schema.SecurityEvent, patterns []AttackPattern, impact ImpactAssessment) []string {
	var recs []string
	if len(patterns) > 0 {
		recs = append(recs, fmt.Sprintf("%d multi-stage attack pattern(s) identified: treat as an active incident", len(patterns)))
		for _, p := range patterns {
			for _, def := range Catalogue() {
				if def.Name == p.Name {
					recs = append(recs, def.Advice)
				}
			}
		}
	}

	var critical, high bool
	for _, ev := range events {
		switch ev.Severity {
		case schema.SeverityCritical:
			critical = true
		case schema.SeverityHigh:
			high = true
		}
	}
	if critical {
		recs = append(recs, "Escalate to incident response leadership immediately")
	}
	if high {
		recs = append(recs, "Prioritize containment of the affected systems")
	}
	if impact.DataAtRisk {
		recs = append(recs, "Engage legal and privacy teams to assess notification obligations")
	}
	recs = append(recs, fmt.Sprintf("Preserve logs and evidence for all %d events", len(events)))
	return recs
}

// Get returns an investigation by id.
func (inv *Investigator) Get(id uuid.UUID) (*InvestigationResult, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	r, ok := inv.results[id]
	if !ok {
		return nil, secerrors.NewNotFoundError("investigation", id.String())
	}
	return r.Clone(), nil
}

// List returns all investigations, newest first.
func (inv *Investigator) List() []*InvestigationResult {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]*InvestigationResult, 0, len(inv.order))
	for i := len(inv.order) - 1; i >= 0; i-- {
		out = append(out, inv.results[inv.order[i]].Clone())
	}
	return out
}

// UpdateStatus moves an active investigation to completed or archived, or a
// completed one to archived.
func (inv *Investigator) UpdateStatus(id uuid.UUID, status InvestigationStatus) (*InvestigationResult, error) {
	if !status.IsValid() {
		return nil, secerrors.NewValidationError("status", "unknown investigation status "+string(status))
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	r, ok := inv.results[id]
	if !ok {
		return nil, secerrors.NewNotFoundError("investigation", id.String())
	}
	allowed := (r.Status == InvestigationActive && status != InvestigationActive) ||
		(r.Status == InvestigationCompleted && status == InvestigationArchived)
	if !allowed {
		return nil, secerrors.NewValidationError("status",
			"cannot transition from "+string(r.Status)+" to "+string(status))
	}
	r.Status = status
	r.UpdatedAt = inv.now()
	return r.Clone(), nil
}

// Cleanup drops completed and archived investigations whose last status
// change is strictly older than maxAge, and returns them. Active ones are
// kept.
func (inv *Investigator) Cleanup(maxAge time.Duration) []*InvestigationResult {
	cutoff := inv.now().Add(-maxAge)

	inv.mu.Lock()
	defer inv.mu.Unlock()

	var removed []*InvestigationResult
	inv.order = slices.DeleteFunc(inv.order, func(id uuid.UUID) bool {
		r := inv.results[id]
		if r.Status == InvestigationActive || !r.UpdatedAt.Before(cutoff) {
			return false
		}
		removed = append(removed, r)
		delete(inv.results, id)
		return true
	})
	return removed
}

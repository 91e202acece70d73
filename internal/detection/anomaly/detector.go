// Package anomaly flags security events that fall outside expected
// behaviour.
package anomaly

import (
	"fmt"
	"time"

	"secmon/internal/schema"
)

// Detector is a pluggable anomaly strategy.
type Detector interface {
	IsAnomalous(event *schema.SecurityEvent) bool
}

// Cleaner is implemented by strategies that keep per-series state and need
// periodic pruning.
type Cleaner interface {
	Cleanup()
}

// Strategy names accepted by New.
const (
	StrategyHeuristic = "heuristic"
	StrategyBaseline  = "baseline"
	StrategyCombined  = "combined"
)

// Config selects and tunes a strategy.
type Config struct {
	Strategy   string        `yaml:"strategy"`
	Timezone   string        `yaml:"timezone"`
	ZThreshold float64       `yaml:"z_threshold"`
	MinSamples int           `yaml:"min_samples"`
	Window     time.Duration `yaml:"window"`
	MaxSeries  int           `yaml:"max_series"`
}

// DefaultConfig returns the heuristic strategy in the local timezone.
func DefaultConfig() Config {
	return Config{
		Strategy:   StrategyHeuristic,
		Timezone:   "Local",
		ZThreshold: 3.0,
		MinSamples: 30,
		Window:     7 * 24 * time.Hour,
		MaxSeries:  DefaultMaxSeries,
	}
}

// New builds the detector named by cfg.Strategy.
func New(cfg Config) (Detector, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid anomaly timezone %q: %w", cfg.Timezone, err)
	}
	heuristic := NewHeuristic(loc)

	switch cfg.Strategy {
	case "", StrategyHeuristic:
		return heuristic, nil
	case StrategyBaseline:
		return newBaseline(cfg), nil
	case StrategyCombined:
		return Any{heuristic, newBaseline(cfg)}, nil
	default:
		return nil, fmt.Errorf("unknown anomaly strategy %q", cfg.Strategy)
	}
}

// Heuristic flags off-hours activity, high risk scores and rare,
// high-value event types.
type Heuristic struct {
	Location      *time.Location
	RiskThreshold float64
	StartHour     int
	EndHour       int
	RareTypes     map[schema.EventType]bool
}

// NewHeuristic creates the fixed-threshold detector. Business hours run from
// 06:00 through 22:59 in loc.
func NewHeuristic(loc *time.Location) *Heuristic {
	if loc == nil {
		loc = time.Local
	}
	return &Heuristic{
		Location:      loc,
		RiskThreshold: 0.8,
		StartHour:     6,
		EndHour:       22,
		RareTypes: map[schema.EventType]bool{
			schema.EventSystemCompromise:    true,
			schema.EventDataExfiltration:    true,
			schema.EventPrivilegeEscalation: true,
		},
	}
}

// IsAnomalous implements Detector.
func (h *Heuristic) IsAnomalous(event *schema.SecurityEvent) bool {
	if event == nil {
		return false
	}
	hour := event.Timestamp.In(h.Location).Hour()
	if hour < h.StartHour || hour > h.EndHour {
		return true
	}
	if event.RiskScore > h.RiskThreshold {
		return true
	}
	return h.RareTypes[event.Type]
}

func newBaseline(cfg Config) *RollingBaseline {
	return NewRollingBaseline(cfg.Window, cfg.MinSamples, cfg.ZThreshold).WithMaxSeries(cfg.MaxSeries)
}

// Any is the union of several strategies. Every strategy sees every event,
// so stateful strategies keep learning even when an earlier one fires.
type Any []Detector

// IsAnomalous implements Detector.
func (a Any) IsAnomalous(event *schema.SecurityEvent) bool {
	anomalous := false
	for _, d := range a {
		if d.IsAnomalous(event) {
			anomalous = true
		}
	}
	return anomalous
}

// Cleanup forwards to every strategy that implements Cleaner.
func (a Any) Cleanup() {
	for _, d := range a {
		if c, ok := d.(Cleaner); ok {
			c.Cleanup()
		}
	}
}

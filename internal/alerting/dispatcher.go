package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// IncidentDispatcher reacts to critical alerts, e.g. by paging an on-call
// engineer or triggering containment.
type IncidentDispatcher interface {
	Name() string
	Dispatch(ctx context.Context, alert *SecurityAlert) error
}

// LogDispatcher records incidents in the structured log.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a log dispatcher. A nil logger uses slog.Default.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (l *LogDispatcher) Name() string {
	return "log"
}

func (l *LogDispatcher) Dispatch(ctx context.Context, alert *SecurityAlert) error {
	l.logger.Warn("incident response triggered",
		"alert_id", alert.ID,
		"rule_id", alert.RuleID,
		"severity", alert.Severity,
		"title", alert.Title,
		"events", len(alert.Events),
	)
	return nil
}

// MultiDispatcher fans an incident out to every dispatcher. All dispatchers
// run even when some fail.
type MultiDispatcher struct {
	dispatchers []IncidentDispatcher
}

// NewMultiDispatcher creates a fan-out dispatcher.
func NewMultiDispatcher(dispatchers ...IncidentDispatcher) *MultiDispatcher {
	return &MultiDispatcher{dispatchers: dispatchers}
}

func (m *MultiDispatcher) Name() string {
	return "multi"
}

func (m *MultiDispatcher) Dispatch(ctx context.Context, alert *SecurityAlert) error {
	var errs []error
	for _, d := range m.dispatchers {
		if err := d.Dispatch(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped dispatchers.
func (m *MultiDispatcher) Len() int {
	return len(m.dispatchers)
}

// DispatcherFunc adapts a function to IncidentDispatcher.
type DispatcherFunc func(ctx context.Context, alert *SecurityAlert) error

func (f DispatcherFunc) Name() string {
	return "func"
}

func (f DispatcherFunc) Dispatch(ctx context.Context, alert *SecurityAlert) error {
	return f(ctx, alert)
}

// Package monitor runs the security event pipeline: scoring, threat
// matching, anomaly detection, rule evaluation and incident dispatch. It
// also owns the query and command surface that the API and CLIs use.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"secmon/internal/alerting"
	"secmon/internal/config"
	"secmon/internal/correlation"
	"secmon/internal/detection/anomaly"
	"secmon/internal/detection/pattern"
	"secmon/internal/detection/risk"
	"secmon/internal/detection/rules"
	"secmon/internal/detection/threat"
	"secmon/internal/metrics"
	"secmon/internal/schema"
	"secmon/internal/security/audit"
	"secmon/internal/store"
)

// AuditLogger records pipeline decisions. *audit.Logger implements it.
type AuditLogger interface {
	Log(ctx context.Context, message string, level audit.Level, fields map[string]any)
}

// EventSink persists scored events outside the process.
type EventSink interface {
	WriteEvent(ctx context.Context, ev *schema.SecurityEvent) error
}

// Config tunes the components the monitor builds itself.
type Config struct {
	Anomaly      anomaly.Config
	Threat       threat.MatcherConfig
	Alerts       alerting.ManagerConfig
	PatternCache int

	// AnomalyCleanup is how often stateful anomaly strategies are pruned.
	AnomalyCleanup time.Duration
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Anomaly:      anomaly.DefaultConfig(),
		Threat:       threat.DefaultMatcherConfig(),
		Alerts:       alerting.DefaultManagerConfig(),
		PatternCache: pattern.DefaultSize,

		AnomalyCleanup: 10 * time.Minute,
	}
}

// ConfigFrom maps the service configuration onto the pipeline.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.Anomaly.Strategy = cfg.Monitor.AnomalyStrategy
	c.Anomaly.Timezone = cfg.Monitor.Timezone
	if cfg.Monitor.ZThreshold > 0 {
		c.Anomaly.ZThreshold = cfg.Monitor.ZThreshold
	}
	if cfg.Monitor.MinSamples > 0 {
		c.Anomaly.MinSamples = cfg.Monitor.MinSamples
	}
	if cfg.Monitor.BaselineWindow > 0 {
		c.Anomaly.Window = cfg.Monitor.BaselineWindow
	}
	if cfg.Monitor.BaselineSeries > 0 {
		c.Anomaly.MaxSeries = cfg.Monitor.BaselineSeries
	}
	if cfg.Monitor.BaselineCleanup > 0 {
		c.AnomalyCleanup = cfg.Monitor.BaselineCleanup
	}
	if cfg.Monitor.MaxAlerts > 0 {
		c.Alerts.MaxAlerts = cfg.Monitor.MaxAlerts
	}
	if cfg.Retention.MaxAge > 0 {
		c.Alerts.RetentionPeriod = cfg.Retention.MaxAge
	}
	if cfg.Monitor.PatternCache > 0 {
		c.PatternCache = cfg.Monitor.PatternCache
		c.Threat.PatternCache = cfg.Monitor.PatternCache
	}
	c.Threat.LoadBuiltIn = cfg.ThreatIntel.LoadBuiltIn
	if cfg.ThreatIntel.RefreshInterval > 0 {
		c.Threat.RefreshInterval = cfg.ThreatIntel.RefreshInterval
	}
	return c
}

// Dependencies are the collaborators a monitor is wired to. Every field is
// optional; nil components are built from Config.
type Dependencies struct {
	Store      *store.EventStore
	Rules      *rules.Set
	Threats    *threat.Matcher
	Anomaly    anomaly.Detector
	Alerts     *alerting.Manager
	AlertSink  alerting.Sink
	EventSink  EventSink
	Dispatcher alerting.IncidentDispatcher
	Audit      AuditLogger
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// SecurityMonitor is the ingestion pipeline. ProcessEvent is serialized;
// every query method reads snapshots and never blocks ingestion.
type SecurityMonitor struct {
	validator    *schema.Validator
	scorer       *risk.Scorer
	events       *store.EventStore
	rules        *rules.Set
	engine       *rules.Engine
	threats      *threat.Matcher
	anomaly      anomaly.Detector
	alerts       *alerting.Manager
	investigator *correlation.Investigator
	aggregator   *metrics.Aggregator
	dispatcher   alerting.IncidentDispatcher
	eventSink    EventSink
	audit        AuditLogger
	collector    *metrics.Collector
	logger       *slog.Logger
	now          func() time.Time

	cleanupEvery time.Duration
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	// pipeline serializes ProcessEvent.
	pipeline sync.Mutex

	obsMu     sync.RWMutex
	observers []Observer
}

// New builds a monitor. It fails only when the anomaly configuration is
// invalid.
func New(cfg Config, deps Dependencies) (*SecurityMonitor, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	detector := deps.Anomaly
	if detector == nil {
		d, err := anomaly.New(cfg.Anomaly)
		if err != nil {
			return nil, err
		}
		detector = d
	}

	m := &SecurityMonitor{
		validator:  schema.NewValidator(),
		scorer:     risk.NewScorer(),
		events:     deps.Store,
		rules:      deps.Rules,
		engine:     rules.NewEngine(pattern.NewCache(cfg.PatternCache)),
		threats:    deps.Threats,
		anomaly:    detector,
		alerts:     deps.Alerts,
		aggregator: metrics.NewAggregator(),
		dispatcher: deps.Dispatcher,
		eventSink:  deps.EventSink,
		audit:      deps.Audit,
		collector:  deps.Metrics,
		logger:     logger.With("component", "monitor"),
		now:        time.Now,

		cleanupEvery: cfg.AnomalyCleanup,
	}
	if m.events == nil {
		m.events = store.NewEventStore()
	}
	if m.rules == nil {
		m.rules = rules.NewSet(nil)
		if err := m.rules.Load(); err != nil {
			return nil, fmt.Errorf("failed to load default rules: %w", err)
		}
	}
	if m.threats == nil {
		m.threats = threat.NewMatcher(cfg.Threat, nil, logger)
	}
	if m.alerts == nil {
		m.alerts = alerting.NewManager(cfg.Alerts, deps.AlertSink)
	}
	if m.dispatcher == nil {
		m.dispatcher = alerting.NewLogDispatcher(logger)
	}
	m.investigator = correlation.NewInvestigator(m.events)
	return m, nil
}

// Start launches the threat intelligence refresher and, for stateful
// anomaly strategies, the periodic cleanup.
func (m *SecurityMonitor) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	if c, ok := m.anomaly.(anomaly.Cleaner); ok && m.cleanupEvery > 0 {
		m.wg.Add(1)
		go m.cleanupLoop(ctx, c)
	}
	return m.threats.Start(ctx)
}

// Stop halts background work started by Start.
func (m *SecurityMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.threats.Stop()
}

func (m *SecurityMonitor) cleanupLoop(ctx context.Context, c anomaly.Cleaner) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// Events returns the event store, for retention.
func (m *SecurityMonitor) Events() *store.EventStore { return m.events }

// Alerts returns the alert manager, for retention.
func (m *SecurityMonitor) Alerts() *alerting.Manager { return m.alerts }

// Investigations returns the investigator, for retention.
func (m *SecurityMonitor) Investigations() *correlation.Investigator { return m.investigator }

// Rules returns the rule set.
func (m *SecurityMonitor) Rules() *rules.Set { return m.rules }

// Threats returns the threat matcher.
func (m *SecurityMonitor) Threats() *threat.Matcher { return m.threats }

// ProcessEvent scores an observation and runs it through the pipeline. Only
// an invalid observation fails the call; every later side effect logs its
// own failures and carries on. The returned event is a copy.
func (m *SecurityMonitor) ProcessEvent(ctx context.Context, obs *schema.Observation) (*schema.SecurityEvent, error) {
	if err := m.validator.Validate(obs); err != nil {
		if m.collector != nil {
			m.collector.EventsRejected.Inc()
		}
		return nil, err
	}

	m.pipeline.Lock()
	defer m.pipeline.Unlock()

	ev := &schema.SecurityEvent{
		ID:            uuid.New(),
		Timestamp:     m.now().UTC(),
		Type:          obs.Type,
		Severity:      obs.Severity,
		Source:        obs.Source,
		Description:   obs.Description,
		Metadata:      schema.EventMetadata{Context: copyContext(obs.Metadata)},
		RiskScore:     m.scorer.Score(obs),
		CorrelationID: obs.CorrelationID,
	}

	m.events.Append(ev)
	m.auditLog(ctx, "security event ingested", auditLevel(ev.Severity), map[string]any{
		"event_id":   ev.ID.String(),
		"type":       ev.Type,
		"severity":   ev.Severity,
		"source":     ev.Source,
		"risk_score": ev.RiskScore,
	})

	enriched := false
	if matches := m.threats.Match(ev); len(matches) > 0 {
		ev.Metadata.ThreatMatches = make([]schema.ThreatMatch, len(matches))
		for i, ind := range matches {
			ev.Metadata.ThreatMatches[i] = ind.ToMatch()
		}
		enriched = true
		m.logger.Warn("threat indicators matched",
			"event_id", ev.ID,
			"matches", len(matches),
			"source", ev.Source)
		m.notify(ctx, Notification{
			Kind:     NotifyThreatDetected,
			Subject:  ev.ID.String(),
			Severity: ev.Severity,
			Data:     ev.Metadata.ThreatMatches,
		})
	}

	if m.anomaly.IsAnomalous(ev) {
		ev.Metadata.Anomalous = true
		enriched = true
		m.notify(ctx, Notification{
			Kind:     NotifyAnomalyDetected,
			Subject:  ev.ID.String(),
			Severity: ev.Severity,
			Data:     map[string]any{"type": ev.Type, "risk_score": ev.RiskScore},
		})
	}

	if enriched {
		if err := m.events.Update(ev); err != nil {
			// A concurrent sweep can remove the event before enrichment lands.
			m.logger.Warn("failed to record event enrichment", "event_id", ev.ID, "error", err)
		}
	}

	if m.eventSink != nil {
		if err := m.eventSink.WriteEvent(ctx, ev); err != nil {
			m.logger.Error("failed to persist event", "event_id", ev.ID, "error", err)
		}
	}

	for _, alert := range m.engine.Evaluate(ev, m.rules.Snapshot()) {
		m.raise(ctx, alert)
	}

	if m.collector != nil {
		m.collector.ObserveEvent(ev)
		m.collector.StoredEvents.Set(float64(m.events.Len()))
	}

	m.logger.Debug("security event processed",
		"event_id", ev.ID,
		"type", ev.Type,
		"risk_score", ev.RiskScore,
		"anomalous", ev.Metadata.Anomalous)
	return ev.Clone(), nil
}

// raise stores an alert and, when critical, dispatches it.
func (m *SecurityMonitor) raise(ctx context.Context, alert *alerting.SecurityAlert) {
	if err := m.alerts.Add(ctx, alert); err != nil {
		m.logger.Error("failed to store alert", "rule_id", alert.RuleID, "error", err)
		return
	}
	if m.collector != nil {
		m.collector.ObserveAlert(alert.Severity)
	}
	m.auditLog(ctx, "security alert created", auditLevel(alert.Severity), map[string]any{
		"alert_id": alert.ID.String(),
		"rule_id":  alert.RuleID,
		"severity": alert.Severity,
	})
	m.notify(ctx, Notification{
		Kind:     NotifyAlertCreated,
		Subject:  alert.ID.String(),
		Severity: alert.Severity,
		Data:     alert.Clone(),
	})

	if alert.Severity != schema.SeverityCritical {
		return
	}
	if err := m.dispatcher.Dispatch(ctx, alert); err != nil {
		if m.collector != nil {
			m.collector.DispatchErrors.Inc()
		}
		m.logger.Error("incident dispatch failed",
			"alert_id", alert.ID,
			"dispatcher", m.dispatcher.Name(),
			"error", err)
		return
	}
	if m.collector != nil {
		m.collector.IncidentsDispatched.Inc()
	}
	m.notify(ctx, Notification{
		Kind:     NotifyIncidentDispatched,
		Subject:  alert.ID.String(),
		Severity: alert.Severity,
		Data:     map[string]any{"dispatcher": m.dispatcher.Name()},
	})
}

// GetSecurityEvents returns copies of matching events, newest first.
func (m *SecurityMonitor) GetSecurityEvents(filter store.Filter) []*schema.SecurityEvent {
	return m.events.Query(filter)
}

// GetEvent returns a stored event by id.
func (m *SecurityMonitor) GetEvent(id uuid.UUID) (*schema.SecurityEvent, error) {
	return m.events.Get(id)
}

// GetActiveAlerts returns open and investigating alerts, newest first.
func (m *SecurityMonitor) GetActiveAlerts() []*alerting.SecurityAlert {
	return m.alerts.Active()
}

// ListAlerts returns alerts matching filter.
func (m *SecurityMonitor) ListAlerts(filter alerting.AlertFilter) []*alerting.SecurityAlert {
	return m.alerts.List(filter)
}

// GetAlert returns an alert by id.
func (m *SecurityMonitor) GetAlert(id uuid.UUID) (*alerting.SecurityAlert, error) {
	return m.alerts.Get(id)
}

// UpdateAlertStatus moves an alert through its lifecycle.
func (m *SecurityMonitor) UpdateAlertStatus(ctx context.Context, id uuid.UUID, status alerting.AlertStatus) (*alerting.SecurityAlert, error) {
	alert, previous, err := m.alerts.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	m.auditLog(ctx, "alert status changed", audit.LevelInfo, map[string]any{
		"alert_id": id.String(),
		"from":     previous,
		"to":       status,
	})
	m.notify(ctx, Notification{
		Kind:     NotifyAlertStatusChanged,
		Subject:  id.String(),
		Severity: alert.Severity,
		Data:     map[string]any{"from": previous, "to": status},
	})
	return alert, nil
}

// Investigate correlates the given events into a retained investigation.
func (m *SecurityMonitor) Investigate(ctx context.Context, ids []uuid.UUID) (*correlation.InvestigationResult, error) {
	result, err := m.investigator.Investigate(ctx, ids)
	if err != nil {
		return nil, err
	}
	patterns := make([]string, len(result.AttackPatterns))
	for i, p := range result.AttackPatterns {
		patterns[i] = p.Name
	}
	m.auditLog(ctx, "investigation created", audit.LevelInfo, map[string]any{
		"investigation_id": result.ID.String(),
		"events":           len(result.Events),
		"patterns":         patterns,
	})
	m.notify(ctx, Notification{
		Kind:    NotifyInvestigationCreated,
		Subject: result.ID.String(),
		Data:    map[string]any{"events": len(result.Events), "patterns": patterns},
	})
	return result, nil
}

// GetInvestigation returns a retained investigation.
func (m *SecurityMonitor) GetInvestigation(id uuid.UUID) (*correlation.InvestigationResult, error) {
	return m.investigator.Get(id)
}

// ListInvestigations returns all retained investigations.
func (m *SecurityMonitor) ListInvestigations() []*correlation.InvestigationResult {
	return m.investigator.List()
}

// UpdateInvestigationStatus completes or archives an investigation.
func (m *SecurityMonitor) UpdateInvestigationStatus(ctx context.Context, id uuid.UUID, status correlation.InvestigationStatus) (*correlation.InvestigationResult, error) {
	result, err := m.investigator.UpdateStatus(id, status)
	if err != nil {
		return nil, err
	}
	m.auditLog(ctx, "investigation status changed", audit.LevelInfo, map[string]any{
		"investigation_id": id.String(),
		"status":           status,
	})
	return result, nil
}

// ListAlertRules returns copies of every rule.
func (m *SecurityMonitor) ListAlertRules() []*rules.AlertRule {
	return m.rules.List()
}

// GetAlertRule returns a rule by id.
func (m *SecurityMonitor) GetAlertRule(id string) (*rules.AlertRule, error) {
	return m.rules.Get(id)
}

// CreateAlertRule validates, stores and persists a new rule. It applies to
// the next processed event.
func (m *SecurityMonitor) CreateAlertRule(ctx context.Context, rule *rules.AlertRule) (*rules.AlertRule, error) {
	created, err := m.rules.Create(rule)
	if err != nil {
		return nil, err
	}
	m.ruleChanged(ctx, "created", created)
	return created, nil
}

// UpdateAlertRule replaces an existing rule.
func (m *SecurityMonitor) UpdateAlertRule(ctx context.Context, id string, rule *rules.AlertRule) (*rules.AlertRule, error) {
	updated, err := m.rules.Update(id, rule)
	if err != nil {
		return nil, err
	}
	m.ruleChanged(ctx, "updated", updated)
	return updated, nil
}

func (m *SecurityMonitor) ruleChanged(ctx context.Context, action string, rule *rules.AlertRule) {
	m.auditLog(ctx, "alert rule "+action, audit.LevelInfo, map[string]any{
		"rule_id":   rule.ID,
		"name":      rule.Name,
		"is_active": rule.IsActive,
	})
	m.notify(ctx, Notification{
		Kind:     NotifyRuleChanged,
		Subject:  rule.ID,
		Severity: rule.Severity,
		Data:     map[string]any{"action": action, "name": rule.Name},
	})
}

// ListThreatIndicators returns copies of every indicator.
func (m *SecurityMonitor) ListThreatIndicators() []*threat.ThreatIndicator {
	return m.threats.List()
}

// AddThreatIndicator validates and stores an indicator.
func (m *SecurityMonitor) AddThreatIndicator(ctx context.Context, ind *threat.ThreatIndicator) (*threat.ThreatIndicator, error) {
	added, err := m.threats.Add(ind)
	if err != nil {
		return nil, err
	}
	m.auditLog(ctx, "threat indicator added", audit.LevelInfo, map[string]any{
		"indicator_id": added.ID,
		"type":         added.Type,
		"severity":     added.Severity,
	})
	return added, nil
}

// RemoveThreatIndicator deletes an indicator by id.
func (m *SecurityMonitor) RemoveThreatIndicator(ctx context.Context, id string) error {
	if err := m.threats.Remove(id); err != nil {
		return err
	}
	m.auditLog(ctx, "threat indicator removed", audit.LevelInfo, map[string]any{"indicator_id": id})
	return nil
}

// GetMetrics derives summary metrics from the current history.
func (m *SecurityMonitor) GetMetrics() *metrics.SecurityMetrics {
	return m.aggregator.Metrics(m.events.Snapshot(), m.alerts.All(), m.now())
}

// GetDashboard derives the dashboard from the current history.
func (m *SecurityMonitor) GetDashboard() *metrics.SecurityDashboard {
	return m.aggregator.Dashboard(m.events.Snapshot(), m.alerts.All(), m.now())
}

func (m *SecurityMonitor) auditLog(ctx context.Context, message string, level audit.Level, fields map[string]any) {
	if m.audit == nil {
		return
	}
	m.audit.Log(ctx, message, level, fields)
}

func auditLevel(sev schema.Severity) audit.Level {
	switch sev {
	case schema.SeverityCritical:
		return audit.LevelCritical
	case schema.SeverityHigh:
		return audit.LevelWarning
	default:
		return audit.LevelInfo
	}
}

// copyContext detaches the stored context from the caller's map.
func copyContext(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	ev := schema.SecurityEvent{Metadata: schema.EventMetadata{Context: in}}
	return ev.Clone().Metadata.Context
}

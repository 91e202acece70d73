package main

import (
	"fmt"
	"log/slog"

	"secmon/internal/alerting"
	"secmon/internal/config"
)

// buildDispatcher assembles the incident targets from cfg. Incidents are
// always logged; configured targets are added alongside and, when retry is
// enabled, delivered through a ReliableDispatcher. The returned func
// releases connections held by the targets.
func buildDispatcher(cfg *config.Config, logger *slog.Logger) (alerting.IncidentDispatcher, func(), error) {
	var (
		targets []alerting.IncidentDispatcher
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	for _, wh := range cfg.Incident.Webhooks {
		if wh.URL == "" {
			continue
		}
		targets = append(targets, alerting.NewWebhookChannel(wh.Name, wh.URL, wh.Headers))
	}
	if s := cfg.Incident.Slack; s.WebhookURL != "" {
		targets = append(targets, alerting.NewSlackChannel(s.WebhookURL, s.Channel, s.Username))
	}
	if pd := cfg.Incident.PagerDuty; pd.RoutingKey != "" {
		targets = append(targets, alerting.NewPagerDutyChannel(pd.RoutingKey, pd.URL))
	}
	if cfg.NATS.Enabled {
		nd, err := alerting.NewNATSDispatcher(alerting.NATSConfig{
			URL:     cfg.NATS.URL,
			Subject: cfg.NATS.Subject,
			Timeout: cfg.NATS.Timeout,
		}, logger)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create NATS dispatcher: %w", err)
		}
		targets = append(targets, nd)
		closers = append(closers, nd.Close)
	}

	logDispatcher := alerting.NewLogDispatcher(logger)
	if len(targets) == 0 {
		return logDispatcher, closeAll, nil
	}

	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name())
	}
	slog.Info("incident dispatch configured", "targets", names, "retry", cfg.Incident.Retry.Enabled)

	if r := cfg.Incident.Retry; r.Enabled {
		dc := alerting.DefaultDeliveryConfig()
		if r.MaxRetries > 0 {
			dc.MaxRetries = r.MaxRetries
		}
		if r.InitialBackoff > 0 {
			dc.InitialBackoff = r.InitialBackoff
		}
		if r.MaxBackoff > 0 {
			dc.MaxBackoff = r.MaxBackoff
		}
		reliable := alerting.NewReliableDispatcher(dc, targets...)
		closers = append(closers, reliable.Stop)
		return alerting.NewMultiDispatcher(logDispatcher, reliable), closeAll, nil
	}
	return alerting.NewMultiDispatcher(append([]alerting.IncidentDispatcher{logDispatcher}, targets...)...), closeAll, nil
}

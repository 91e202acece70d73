package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures incident publication over NATS.
type NATSConfig struct {
	URL     string        `yaml:"url"`
	Subject string        `yaml:"subject"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultNATSConfig returns default NATS settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:     nats.DefaultURL,
		Subject: "secmon.incidents",
		Timeout: 5 * time.Second,
	}
}

// publisher is the subset of *nats.Conn used by NATSDispatcher.
type publisher interface {
	Publish(subj string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// NATSDispatcher publishes critical alerts on a NATS subject so that
// containment automation can subscribe to them.
type NATSDispatcher struct {
	conn    publisher
	closer  func()
	subject string
	timeout time.Duration
	logger  *slog.Logger
}

// NewNATSDispatcher connects to NATS.
func NewNATSDispatcher(cfg NATSConfig, logger *slog.Logger) (*NATSDispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("secmon-incidents"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", "url", cfg.URL, "subject", cfg.Subject)
	return &NATSDispatcher{
		conn:    nc,
		closer:  nc.Close,
		subject: cfg.Subject,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

func (n *NATSDispatcher) Name() string {
	return "nats"
}

func (n *NATSDispatcher) Dispatch(ctx context.Context, alert *SecurityAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", n.subject, err)
	}
	if n.timeout > 0 {
		if err := n.conn.FlushTimeout(n.timeout); err != nil {
			return fmt.Errorf("nats: flush: %w", err)
		}
	}
	n.logger.Debug("incident published", "subject", n.subject, "alert_id", alert.ID)
	return nil
}

// Close closes the NATS connection.
func (n *NATSDispatcher) Close() {
	if n.closer != nil {
		n.closer()
	}
}

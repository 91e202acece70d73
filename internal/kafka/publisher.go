package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"secmon/internal/config"
	"secmon/internal/monitor"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = fmt.Errorf("kafka: publisher is closed")

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is a monitor.Observer that writes each notification as a JSON
// message keyed by its subject, so updates for one alert stay ordered on a
// partition.
type Publisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
	closed atomic.Bool

	published atomic.Int64
	bytes     atomic.Int64
	errors    atomic.Int64
}

// Metrics holds publisher statistics.
type Metrics struct {
	Published int64 `json:"published"`
	Bytes     int64 `json:"bytes"`
	Errors    int64 `json:"errors"`
}

var _ monitor.Observer = (*Publisher)(nil)

// NewPublisher creates an asynchronous publisher. Delivery failures are
// counted and logged from the writer's completion callback.
func NewPublisher(cfg config.KafkaConfig, logger *slog.Logger) (*Publisher, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	t, err := transport(cfg)
	if err != nil {
		return nil, err
	}

	p := &Publisher{topic: cfg.Topic, logger: logger}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  compression(cfg.Compression),
		Async:        true,
		Transport:    t,
		Completion:   p.complete,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka publisher initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"compression", cfg.Compression,
	)
	return p, nil
}

func newPublisherWithWriter(w messageWriter, topic string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{writer: w, topic: topic, logger: logger}
}

// Notify implements monitor.Observer.
func (p *Publisher) Notify(ctx context.Context, n monitor.Notification) {
	if err := p.Publish(ctx, n); err != nil {
		p.logger.Warn("failed to publish notification",
			"kind", n.Kind,
			"subject", n.Subject,
			"error", err,
		)
	}
}

// Publish encodes and writes one notification.
func (p *Publisher) Publish(ctx context.Context, n monitor.Notification) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	value, err := json.Marshal(n)
	if err != nil {
		p.errors.Add(1)
		return fmt.Errorf("kafka: failed to marshal notification: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(n.Subject),
		Value: value,
		Time:  n.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(n.Kind)},
		},
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("kafka: failed to write notification: %w", err)
	}
	return nil
}

// complete runs once per delivered batch in async mode.
func (p *Publisher) complete(messages []kafka.Message, err error) {
	if err != nil {
		p.errors.Add(int64(len(messages)))
		p.logger.Error("kafka delivery failed", "count", len(messages), "error", err)
		return
	}
	for _, m := range messages {
		p.published.Add(1)
		p.bytes.Add(int64(len(m.Key) + len(m.Value)))
	}
}

// Metrics returns publisher statistics.
func (p *Publisher) Metrics() Metrics {
	return Metrics{
		Published: p.published.Load(),
		Bytes:     p.bytes.Load(),
		Errors:    p.errors.Load(),
	}
}

// Close flushes buffered messages and closes the writer.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("closing kafka publisher",
		"published", p.published.Load(),
		"errors", p.errors.Load(),
	)

	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close publisher: %w", err)
	}
	return nil
}

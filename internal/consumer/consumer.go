// Package consumer drains the ingest queue into the monitoring pipeline.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"secmon/internal/config"
	secerrors "secmon/internal/errors"
	"secmon/internal/queue"
	"secmon/internal/schema"
	"secmon/internal/storage"
)

// Processor runs one observation through the pipeline.
type Processor interface {
	ProcessEvent(ctx context.Context, obs *schema.Observation) (*schema.SecurityEvent, error)
}

// RejectSink stores observations the pipeline refused.
type RejectSink interface {
	Write(ctx context.Context, r *storage.RejectedObservation) error
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() config.ConsumerConfig {
	return config.ConsumerConfig{
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// Consumer is the single goroutine feeding the pipeline. Ingestion is
// serialized, so there is exactly one worker.
type Consumer struct {
	queue     *queue.RingBuffer
	processor Processor
	rejects   RejectSink
	config    config.ConsumerConfig

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	consumed atomic.Uint64
	rejected atomic.Uint64
	errors   atomic.Uint64
}

// New creates a new Consumer. rejects may be nil.
func New(q *queue.RingBuffer, p Processor, rejects RejectSink, cfg config.ConsumerConfig) *Consumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = DefaultConfig().ShutdownWait
	}
	return &Consumer{
		queue:     q,
		processor: p,
		rejects:   rejects,
		config:    cfg,
		done:      make(chan struct{}),
	}
}

// Start starts the worker.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.worker(ctx)
	slog.Info("queue consumer started")
}

func (c *Consumer) worker(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("consumer stopping (context)")
			return
		case <-c.done:
			c.drain(ctx)
			slog.Debug("consumer stopping (done)")
			return
		default:
		}

		item, err := c.queue.PopWithTimeout(c.config.PollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrQueueEmpty) {
				continue
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			slog.Warn("unexpected queue error", "error", err)
			c.errors.Add(1)
			continue
		}
		c.handle(ctx, item)
	}
}

// drain processes whatever is still queued at Stop.
func (c *Consumer) drain(ctx context.Context) {
	for {
		item, err := c.queue.Pop()
		if err != nil {
			return
		}
		c.handle(ctx, item)
	}
}

func (c *Consumer) handle(ctx context.Context, item *queue.Item) {
	_, err := c.processor.ProcessEvent(ctx, item.Observation)
	if err == nil {
		c.consumed.Add(1)
		return
	}

	if secerrors.IsValidation(err) {
		c.rejected.Add(1)
		c.reject(ctx, item, err)
		return
	}

	c.errors.Add(1)
	slog.Error("failed to process observation",
		"source", item.Observation.Source,
		"transport", item.Transport,
		"error", err,
	)
}

func (c *Consumer) reject(ctx context.Context, item *queue.Item, reason error) {
	slog.Warn("observation rejected",
		"source", item.Observation.Source,
		"transport", item.Transport,
		"reason", reason,
	)
	if c.rejects == nil {
		return
	}

	raw, _ := json.Marshal(item.Observation)
	err := c.rejects.Write(ctx, &storage.RejectedObservation{
		Raw:        string(raw),
		Source:     item.Transport,
		RemoteAddr: item.RemoteAddr,
		Reason:     reason.Error(),
		RejectedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Error("failed to store rejected observation", "error", err)
	}
}

// Stop drains the queue and waits for the worker, bounded by ShutdownWait.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.done) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("queue consumer stopped gracefully")
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("queue consumer shutdown timed out")
	}
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: c.consumed.Load(),
		Rejected: c.rejected.Load(),
		Errors:   c.errors.Load(),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Rejected uint64 `json:"rejected"`
	Errors   uint64 `json:"errors"`
}

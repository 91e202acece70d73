package main

import (
	"context"

	"secmon/internal/config"
	"secmon/internal/consumer"
	"secmon/internal/queue"
)

// startConsumer runs the queue consumer on a context of its own, so the
// shutdown signal cannot cut the drain short. stop drains the queue and
// only then cancels that context.
func startConsumer(q *queue.RingBuffer, p consumer.Processor, rejects consumer.RejectSink, cfg config.ConsumerConfig) (c *consumer.Consumer, stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	c = consumer.New(q, p, rejects, cfg)
	c.Start(ctx)
	return c, func() {
		c.Stop()
		cancel()
	}
}

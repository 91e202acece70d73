// Package queue provides the bounded ring buffer between the ingest
// transports and the single pipeline consumer.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"secmon/internal/schema"
)

// DefaultCapacity is used when NewRingBuffer is given a non-positive size.
const DefaultCapacity = 10000

var (
	// ErrQueueFull is returned by Push when every slot is taken.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when nothing is queued, or nothing arrived
	// before a timeout.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned by Push after Close, and by the waiting
	// pops once a closed queue is drained.
	ErrQueueClosed = errors.New("queue is closed")
)

// Item is a validated observation waiting for the pipeline, with where it
// came from.
type Item struct {
	Observation *schema.Observation
	Transport   string // "http" or "dtls"
	RemoteAddr  string
	ReceivedAt  time.Time
}

// RingBuffer is a fixed-capacity FIFO of pending observations. Push never
// blocks; a full buffer drops the item and counts it.
type RingBuffer struct {
	mu     sync.Mutex
	slots  []*Item
	first  int // index of the oldest item
	n      int // number of queued items
	closed bool

	// ready is closed and replaced whenever an item lands or the buffer
	// closes, waking every waiter at once.
	ready chan struct{}

	pushed  atomic.Uint64
	popped  atomic.Uint64
	dropped atomic.Uint64
}

// NewRingBuffer returns an empty buffer holding at most size items.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultCapacity
	}
	return &RingBuffer{
		slots: make([]*Item, size),
		ready: make(chan struct{}),
	}
}

// Push appends item, or fails with ErrQueueFull or ErrQueueClosed.
func (rb *RingBuffer) Push(item *Item) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	switch {
	case rb.closed:
		return ErrQueueClosed
	case rb.n == len(rb.slots):
		rb.dropped.Add(1)
		return ErrQueueFull
	}

	rb.slots[(rb.first+rb.n)%len(rb.slots)] = item
	rb.n++
	rb.pushed.Add(1)
	rb.wakeLocked()
	return nil
}

func (rb *RingBuffer) wakeLocked() {
	close(rb.ready)
	rb.ready = make(chan struct{})
}

// Pop removes the oldest item without waiting.
func (rb *RingBuffer) Pop() (*Item, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.n == 0 {
		return nil, ErrQueueEmpty
	}
	return rb.takeLocked(), nil
}

func (rb *RingBuffer) takeLocked() *Item {
	item := rb.slots[rb.first]
	rb.slots[rb.first] = nil
	rb.first = (rb.first + 1) % len(rb.slots)
	rb.n--
	rb.popped.Add(1)
	return item
}

// PopContext waits for the oldest item until ctx is done. Items still
// queued at Close are handed out before ErrQueueClosed.
func (rb *RingBuffer) PopContext(ctx context.Context) (*Item, error) {
	for {
		rb.mu.Lock()
		if rb.n > 0 {
			item := rb.takeLocked()
			rb.mu.Unlock()
			return item, nil
		}
		if rb.closed {
			rb.mu.Unlock()
			return nil, ErrQueueClosed
		}
		ready := rb.ready
		rb.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// PopBlocking waits until an item is available or the queue is closed
// and drained.
func (rb *RingBuffer) PopBlocking() (*Item, error) {
	return rb.PopContext(context.Background())
}

// PopWithTimeout is PopBlocking bounded by timeout; it returns
// ErrQueueEmpty when nothing arrives in time.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*Item, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	item, err := rb.PopContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrQueueEmpty
	}
	return item, err
}

// Len reports how many items are queued.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.n
}

// Cap reports the fixed capacity.
func (rb *RingBuffer) Cap() int {
	return len(rb.slots)
}

// Close rejects further pushes and wakes every waiter. It is safe to call
// more than once.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.closed = true
	rb.wakeLocked()
}

// QueueMetrics is a point-in-time view of the buffer counters.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// Saturation is Depth over Capacity, between 0 and 1.
func (m QueueMetrics) Saturation() float64 {
	if m.Capacity == 0 {
		return 0
	}
	return float64(m.Depth) / float64(m.Capacity)
}

// Metrics returns the current counters.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   rb.pushed.Load(),
		Popped:   rb.popped.Load(),
		Dropped:  rb.dropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.Cap(),
	}
}

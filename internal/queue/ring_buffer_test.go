package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secmon/internal/schema"
)

var itemSeq atomic.Int64

func newItem() *Item {
	return &Item{
		Observation: &schema.Observation{
			Type:     schema.EventAuthenticationFailure,
			Severity: schema.SeverityMedium,
			Source:   fmt.Sprintf("sshd-%d", itemSeq.Add(1)),
		},
		Transport:  "http",
		RemoteAddr: "192.0.2.10",
		ReceivedAt: time.Now().UTC(),
	}
}

func TestNewRingBuffer_Capacity(t *testing.T) {
	assert.Equal(t, 100, NewRingBuffer(100).Cap())
	assert.Equal(t, DefaultCapacity, NewRingBuffer(0).Cap())
	assert.Equal(t, DefaultCapacity, NewRingBuffer(-5).Cap())
	assert.Zero(t, NewRingBuffer(3).Len())
}

func TestRingBuffer_FIFOAcrossWrap(t *testing.T) {
	rb := NewRingBuffer(3)

	var want []string
	push := func() {
		it := newItem()
		want = append(want, it.Observation.Source)
		require.NoError(t, rb.Push(it))
	}
	pop := func() string {
		it, err := rb.Pop()
		require.NoError(t, err)
		return it.Observation.Source
	}

	push()
	push()
	push()
	assert.Equal(t, want[0], pop())
	assert.Equal(t, want[1], pop())

	// Two more pushes wrap past the end of the slot array.
	push()
	push()
	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, want[2], pop())
	assert.Equal(t, want[3], pop())
	assert.Equal(t, want[4], pop())

	_, err := rb.Pop()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestRingBuffer_FullDropsAndCounts(t *testing.T) {
	rb := NewRingBuffer(2)
	require.NoError(t, rb.Push(newItem()))
	require.NoError(t, rb.Push(newItem()))

	assert.ErrorIs(t, rb.Push(newItem()), ErrQueueFull)
	assert.ErrorIs(t, rb.Push(newItem()), ErrQueueFull)

	m := rb.Metrics()
	assert.Equal(t, uint64(2), m.Pushed)
	assert.Equal(t, uint64(2), m.Dropped)
	assert.Equal(t, 2, m.Depth)
	assert.InDelta(t, 1.0, m.Saturation(), 1e-9)
}

func TestRingBuffer_Metrics(t *testing.T) {
	rb := NewRingBuffer(5)
	assert.Equal(t, QueueMetrics{Capacity: 5}, rb.Metrics())

	for i := 0; i < 3; i++ {
		require.NoError(t, rb.Push(newItem()))
	}
	_, _ = rb.Pop()
	_, _ = rb.Pop()

	assert.Equal(t, QueueMetrics{Pushed: 3, Popped: 2, Depth: 1, Capacity: 5}, rb.Metrics())
	assert.InDelta(t, 0.2, rb.Metrics().Saturation(), 1e-9)
	assert.Zero(t, QueueMetrics{}.Saturation())
}

func TestRingBuffer_CloseDrainsThenFails(t *testing.T) {
	rb := NewRingBuffer(4)
	require.NoError(t, rb.Push(newItem()))
	rb.Close()
	rb.Close()

	assert.ErrorIs(t, rb.Push(newItem()), ErrQueueClosed)

	it, err := rb.PopWithTimeout(10 * time.Millisecond)
	require.NoError(t, err, "queued item should drain after Close")
	assert.NotNil(t, it)

	_, err = rb.PopWithTimeout(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueClosed)
	_, err = rb.PopBlocking()
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestRingBuffer_CloseWakesWaiter(t *testing.T) {
	rb := NewRingBuffer(4)
	errc := make(chan error, 1)
	go func() {
		_, err := rb.PopBlocking()
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	rb.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("PopBlocking did not return after Close")
	}
}

func TestRingBuffer_PopBlockingWaitsForPush(t *testing.T) {
	rb := NewRingBuffer(10)
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = rb.Push(newItem())
	}()

	start := time.Now()
	it, err := rb.PopBlocking()
	require.NoError(t, err)
	assert.NotNil(t, it)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRingBuffer_PopWithTimeout(t *testing.T) {
	rb := NewRingBuffer(10)

	start := time.Now()
	_, err := rb.PopWithTimeout(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = rb.Push(newItem())
	}()
	it, err := rb.PopWithTimeout(time.Second)
	require.NoError(t, err)
	assert.NotNil(t, it)
}

func TestRingBuffer_PopContextCancelled(t *testing.T) {
	rb := NewRingBuffer(10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rb.PopContext(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// A queued item wins over a cancelled context.
	require.NoError(t, rb.Push(newItem()))
	it, err := rb.PopContext(ctx)
	require.NoError(t, err)
	assert.NotNil(t, it)
}

func TestRingBuffer_ConcurrentProducersAndWaiters(t *testing.T) {
	rb := NewRingBuffer(64)

	const producers, perProducer, consumers = 5, 100, 3

	var consumed atomic.Uint64
	var cwg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				if _, err := rb.PopBlocking(); err != nil {
					return
				}
				consumed.Add(1)
			}
		}()
	}

	var pwg sync.WaitGroup
	for i := 0; i < producers; i++ {
		pwg.Add(1)
		go func() {
			defer pwg.Done()
			for j := 0; j < perProducer; j++ {
				_ = rb.Push(newItem())
			}
		}()
	}
	pwg.Wait()
	rb.Close()
	cwg.Wait()

	m := rb.Metrics()
	assert.Equal(t, uint64(producers*perProducer), m.Pushed+m.Dropped)
	assert.Equal(t, m.Pushed, consumed.Load())
	assert.Equal(t, m.Pushed, m.Popped)
	assert.Zero(t, m.Depth)
}

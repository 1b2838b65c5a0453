// Package bus provides the in-process message bus: two unbounded FIFO
// queues (inbound, outbound) with non-blocking publish and blocking,
// timeout-bounded consume. Multiple consumers may compete; each queued
// message is delivered to exactly one of them. The bus is memory-only and
// does not survive restarts.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/marubot/maru/pkg/models"
)

// Direction selects one of the two queues.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Bus is the process-wide message queue pair.
type Bus struct {
	inbound  *fifo[*models.InboundMessage]
	outbound *fifo[*models.OutboundMessage]
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		inbound:  newFifo[*models.InboundMessage](),
		outbound: newFifo[*models.OutboundMessage](),
	}
}

// PublishInbound enqueues an inbound message. It never fails and never
// blocks; publishing to a closed bus is a silent no-op.
func (b *Bus) PublishInbound(m *models.InboundMessage) {
	b.inbound.push(m)
}

// PublishOutbound enqueues an outbound message.
func (b *Bus) PublishOutbound(m *models.OutboundMessage) {
	b.outbound.push(m)
}

// ConsumeInbound blocks until a message is available, the timeout elapses,
// or ctx is done. The second return is false on timeout, cancellation, or
// bus closure.
func (b *Bus) ConsumeInbound(ctx context.Context, timeout time.Duration) (*models.InboundMessage, bool) {
	return b.inbound.pop(ctx, timeout)
}

// ConsumeOutbound is ConsumeInbound for the outbound queue.
func (b *Bus) ConsumeOutbound(ctx context.Context, timeout time.Duration) (*models.OutboundMessage, bool) {
	return b.outbound.pop(ctx, timeout)
}

// Size reports how many messages are queued in one direction.
func (b *Bus) Size(dir Direction) int {
	if dir == Inbound {
		return b.inbound.size()
	}
	return b.outbound.size()
}

// Drain discards everything queued and reports how much was dropped.
func (b *Bus) Drain() (inbound, outbound int) {
	return b.inbound.drain(), b.outbound.drain()
}

// Close wakes all blocked consumers; subsequent consumes return false
// immediately once the queues are empty.
func (b *Bus) Close() {
	b.inbound.close()
	b.outbound.close()
}

// fifo is an unbounded MPMC queue. Publishing closes the current wake
// channel so every waiter re-checks the queue; losers park on the next
// generation channel.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	wake   chan struct{}
	closed bool
}

func newFifo[T any]() *fifo[T] {
	return &fifo[T]{wake: make(chan struct{})}
}

func (f *fifo[T]) push(item T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.items = append(f.items, item)
	close(f.wake)
	f.wake = make(chan struct{})
}

func (f *fifo[T]) pop(ctx context.Context, timeout time.Duration) (T, bool) {
	var zero T
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			item := f.items[0]
			f.items = f.items[1:]
			f.mu.Unlock()
			return item, true
		}
		if f.closed {
			f.mu.Unlock()
			return zero, false
		}
		wake := f.wake
		f.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			return zero, false
		case <-ctx.Done():
			return zero, false
		}
	}
}

func (f *fifo[T]) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *fifo[T]) drain() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.items)
	f.items = nil
	return n
}

func (f *fifo[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.wake)
}

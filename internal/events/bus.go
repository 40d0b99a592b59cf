package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the per-receiver buffer size of the sync bus.
const DefaultCapacity = 10000

// ErrClosed is returned by Recv once the receiver or its bus is closed and
// every buffered event has been drained.
var ErrClosed = errors.New("sync event bus closed")

// LaggedError reports that a receiver fell behind and the oldest events were
// dropped. Critical is set when any dropped event was critical, in which case
// the consumer must fall back to the sync log for the missed range.
type LaggedError struct {
	Skipped  uint64
	Critical bool
}

func (e *LaggedError) Error() string {
	if e.Critical {
		return fmt.Sprintf("receiver lagged: %d events skipped, critical events lost", e.Skipped)
	}
	return fmt.Sprintf("receiver lagged: %d events skipped", e.Skipped)
}

// Bus is a bounded broadcast channel for replication events.
// Emit never blocks: each receiver keeps its own ring buffer and drops the
// oldest event on overflow.
type Bus struct {
	receivers map[*Receiver]struct{}
	mu        sync.RWMutex
	capacity  int
	closed    bool
}

// New creates a bus. capacity <= 0 means DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		receivers: make(map[*Receiver]struct{}),
		capacity:  capacity,
	}
}

// Capacity returns the per-receiver buffer size.
func (b *Bus) Capacity() int {
	return b.capacity
}

// Emit delivers event to every current subscriber and returns how many were
// notified. Zero subscribers is not an error.
func (b *Bus) Emit(event SyncEvent) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}

	notified := 0
	for r := range b.receivers {
		if r.push(event) {
			notified++
		}
	}
	return notified
}

// Subscribe registers a new receiver. It observes events emitted after this
// call. Subscribing to a closed bus returns a closed receiver.
func (b *Bus) Subscribe() *Receiver {
	r := &Receiver{
		bus:    b,
		events: make([]SyncEvent, b.capacity),
		notify: make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		r.closed = true
		return r
	}
	b.receivers[r] = struct{}{}
	return r
}

// SubscriberCount returns the number of active receivers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.receivers)
}

// Close detaches every receiver. Receivers may still drain what they buffered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	receivers := b.receivers
	b.receivers = make(map[*Receiver]struct{})
	b.mu.Unlock()

	for r := range receivers {
		r.markClosed()
	}
}

func (b *Bus) unsubscribe(r *Receiver) {
	b.mu.Lock()
	delete(b.receivers, r)
	b.mu.Unlock()
}

// Receiver is one subscription to a Bus.
type Receiver struct {
	bus      *Bus
	notify   chan struct{}
	events   []SyncEvent
	head     int
	size     int
	skipped  uint64
	mu       sync.Mutex
	critical bool
	closed   bool
}

// push добавляет событие, при переполнении вытесняет самое старое
func (r *Receiver) push(event SyncEvent) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}

	capacity := len(r.events)
	if r.size == capacity {
		dropped := r.events[r.head]
		r.events[r.head] = SyncEvent{}
		r.head = (r.head + 1) % capacity
		r.size--
		r.skipped++
		if dropped.IsCritical() {
			r.critical = true
		}
	}

	r.events[(r.head+r.size)%capacity] = event
	r.size++
	r.mu.Unlock()

	r.wake()
	return true
}

// Recv blocks until an event is available, ctx is done or the receiver is
// closed. After an overflow the next call returns *LaggedError once, then
// delivery resumes with the oldest retained event.
func (r *Receiver) Recv(ctx context.Context) (SyncEvent, error) {
	for {
		event, ok, err := r.TryRecv()
		if err != nil || ok {
			return event, err
		}

		select {
		case <-ctx.Done():
			return SyncEvent{}, ctx.Err()
		case <-r.notify:
		}
	}
}

// TryRecv returns the next event without blocking. ok is false when nothing
// is buffered.
func (r *Receiver) TryRecv() (SyncEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.skipped > 0 {
		err := &LaggedError{Skipped: r.skipped, Critical: r.critical}
		r.skipped = 0
		r.critical = false
		return SyncEvent{}, false, err
	}

	if r.size > 0 {
		event := r.events[r.head]
		r.events[r.head] = SyncEvent{}
		r.head = (r.head + 1) % len(r.events)
		r.size--
		return event, true, nil
	}

	if r.closed {
		return SyncEvent{}, false, ErrClosed
	}
	return SyncEvent{}, false, nil
}

// Len returns the number of buffered events.
func (r *Receiver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Close unsubscribes the receiver.
func (r *Receiver) Close() {
	r.bus.unsubscribe(r)
	r.markClosed()
}

func (r *Receiver) markClosed() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wake()
}

func (r *Receiver) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

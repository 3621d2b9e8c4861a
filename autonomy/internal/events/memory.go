package events

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Publisher and Subscriber. Every published event
// is delivered to Next and kept for inspection.
type MemoryBus struct {
	ch chan Event

	mu        sync.Mutex
	published []Event
	closed    bool
}

func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{ch: make(chan Event, buffer)}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.published = append(b.published, ev)

	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBus) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-b.ch:
		if !ok {
			return Event{}, ErrClosed
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Published returns a copy of every event published so far.
func (b *MemoryBus) Published() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.published...)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	return nil
}

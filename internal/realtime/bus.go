package realtime

import (
	"context"
	"errors"
	"sync"
)

// Bus carries published events to every service instance. Each instance
// subscribes once and fans the events out to its local connections.
type Bus interface {
	Publish(ctx context.Context, event UpdateEvent) error
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan UpdateEvent
	Close()
}

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = errors.New("bus closed")

// NewMemoryBus initialises an in-process bus suitable for tests and
// single-instance deployments. Publish waits for buffer space instead of
// dropping so local delivery keeps publish order.
func NewMemoryBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &memoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
	closed bool
}

func (b *memoryBus) Publish(ctx context.Context, event UpdateEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context) (Subscription, error) {
	sub := &memorySubscription{
		bus: b,
		ch:  make(chan UpdateEvent, b.buffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	subs := make([]*memorySubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once sync.Once
	bus  *memoryBus
	ch   chan UpdateEvent
}

func (s *memorySubscription) Events() <-chan UpdateEvent {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

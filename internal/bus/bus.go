// Package bus provides cross-instance transports for update events. Every
// service instance publishes to one channel and subscribes to it once, so a
// connection on any instance sees updates published on any other.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"

	"marketplace-live/internal/realtime"
)

const (
	// DefaultChannel names the Redis channel and NATS subject.
	DefaultChannel = "marketplace-live.updates"
	defaultBuffer  = 256
)

// subscription forwards decoded events from a transport-specific source to
// its Events channel. Only the pump goroutine writes to or closes events.
type subscription struct {
	events chan realtime.UpdateEvent
	done   chan struct{}
	once   sync.Once
	stop   func()
}

func newSubscription(buffer int, stop func()) *subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &subscription{
		events: make(chan realtime.UpdateEvent, buffer),
		done:   make(chan struct{}),
		stop:   stop,
	}
}

func (s *subscription) Events() <-chan realtime.UpdateEvent {
	return s.events
}

func (s *subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.stop != nil {
			s.stop()
		}
	})
}

// forward decodes payload and hands it to the consumer. It reports false
// once the subscription is closed.
func (s *subscription) forward(payload []byte, logger *slog.Logger) bool {
	var event realtime.UpdateEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Error("bus decode failed", "error", err)
		return true
	}
	select {
	case s.events <- event:
		return true
	case <-s.done:
		return false
	}
}

type subscriptionSet struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

func (s *subscriptionSet) add(sub *subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.subs == nil {
		s.subs = make(map[*subscription]struct{})
	}
	s.subs[sub] = struct{}{}
	return true
}

func (s *subscriptionSet) remove(sub *subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *subscriptionSet) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscriptionSet) closeAll() {
	s.mu.Lock()
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	id     string
	userID string
	role   string

	mu       sync.Mutex
	messages [][]byte
	attempts int
	pings    int
	pingErr  error
	closed   bool
	full     bool
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID, role: "buyer"}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }
func (c *fakeConn) Role() string   { return c.role }

func (c *fakeConn) Send(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.closed || c.full {
		return false
	}
	c.messages = append(c.messages, append([]byte(nil), message...))
	return true
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sendAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// updates decodes every pushed update event in arrival order.
func (c *fakeConn) updates(t *testing.T) []UpdateEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var events []UpdateEvent
	for _, raw := range c.messages {
		var msg struct {
			Type  string       `json:"type"`
			Event *UpdateEvent `json:"event"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal pushed message: %v", err)
		}
		if msg.Type == "update" && msg.Event != nil {
			events = append(events, *msg.Event)
		}
	}
	return events
}

var errStoreDown = errors.New("store unavailable")

// flakyReplayStore fails the next n appends.
type flakyReplayStore struct {
	*MemoryReplayStore

	mu       sync.Mutex
	failures int
}

func (s *flakyReplayStore) failNext(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

func (s *flakyReplayStore) Append(ctx context.Context, key string, record ReplayRecord, limit int) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errStoreDown
	}
	s.mu.Unlock()
	return s.MemoryReplayStore.Append(ctx, key, record, limit)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitUntil(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	m.once.Do(func() { close(m.stopped) })
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

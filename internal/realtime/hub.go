// Package realtime tracks connected users and their entity rooms and delivers
// update events to them, live or through replay.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketplace-live/internal/observability/metrics"
)

// Config wires the realtime subsystem.
type Config struct {
	Replay ReplayStore
	Retry  RetryStore
	// Bus defaults to an in-process bus.
	Bus Bus
	// Groups defaults to LocalGroups.
	Groups            GroupBroadcaster
	EntityTypes       []string
	ReplayCap         int
	Retention         time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	SweepConcurrency  int
	StoreTimeout      time.Duration
	Clock             func() time.Time
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	NewTicker         TickerFactory
}

// Hub owns the registry and room table of one service instance together with
// the publisher, retry queue and liveness monitor built on them. It is
// constructed at service start and closed at stop.
type Hub struct {
	registry  *Registry
	rooms     *RoomManager
	publisher *Publisher
	retries   *RetryQueue
	monitor   *Monitor
	replay    ReplayStore
	bus       Bus

	storeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Recorder

	mu         sync.Mutex
	sub        Subscription
	dispatched chan struct{}
	local      chan localDelivery
}

// localDelivery is an event the bus rejected, handed to the dispatcher so it
// is fanned out after every event already queued on the subscription.
type localDelivery struct {
	event     UpdateEvent
	delivered chan int
}

// NewHub validates cfg and builds the subsystem.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Replay == nil {
		return nil, fmt.Errorf("replay store is required")
	}
	if cfg.Retry == nil {
		return nil, fmt.Errorf("retry store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = NewMemoryBus(0)
	}
	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}

	h := &Hub{
		registry:     NewRegistry(),
		rooms:        NewRoomManager(cfg.Groups, cfg.EntityTypes),
		replay:       cfg.Replay,
		bus:          bus,
		storeTimeout: storeTimeout,
		logger:       logger,
		metrics:      recorder,
		local:        make(chan localDelivery),
	}

	publisher, err := NewPublisher(PublisherConfig{
		Replay:       cfg.Replay,
		Retry:        cfg.Retry,
		Bus:          bus,
		Rooms:        h.rooms,
		FanOut:       h.fanOutInOrder,
		ReplayCap:    cfg.ReplayCap,
		StoreTimeout: storeTimeout,
		Clock:        cfg.Clock,
		Logger:       logger.With("component", "publisher"),
		Metrics:      recorder,
	})
	if err != nil {
		return nil, err
	}
	h.publisher = publisher

	retries, err := NewRetryQueue(RetryQueueConfig{
		Store:        cfg.Retry,
		Deliver:      publisher.deliver,
		MaxAttempts:  cfg.MaxAttempts,
		StoreTimeout: storeTimeout,
		Clock:        cfg.Clock,
		Logger:       logger.With("component", "retry_queue"),
		Metrics:      recorder,
	})
	if err != nil {
		return nil, err
	}
	h.retries = retries

	monitor, err := NewMonitor(MonitorConfig{
		Registry:          h.registry,
		Replay:            cfg.Replay,
		Retries:           retries,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SweepInterval:     cfg.SweepInterval,
		Retention:         cfg.Retention,
		SweepConcurrency:  cfg.SweepConcurrency,
		StoreTimeout:      storeTimeout,
		Clock:             cfg.Clock,
		Logger:            logger.With("component", "monitor"),
		Metrics:           recorder,
		NewTicker:         cfg.NewTicker,
	})
	if err != nil {
		return nil, err
	}
	h.monitor = monitor
	return h, nil
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Rooms exposes the room subscription manager.
func (h *Hub) Rooms() *RoomManager { return h.rooms }

// Retries exposes the retry queue.
func (h *Hub) Retries() *RetryQueue { return h.retries }

// Monitor exposes the liveness monitor.
func (h *Hub) Monitor() *Monitor { return h.monitor }

// Start subscribes to the bus and launches local fan-out and the liveness
// monitor. Events published before Start returns may be missed by this
// instance's live fan-out.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub != nil {
		return nil
	}
	sub, err := h.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to bus: %w", err)
	}
	h.sub = sub
	h.dispatched = make(chan struct{})
	go h.dispatch(sub, h.dispatched)
	h.monitor.Start(ctx)
	return nil
}

// Run starts the hub and blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return h.Close()
}

// Close stops the monitor and local fan-out. Stores and the bus are owned by
// the caller.
func (h *Hub) Close() error {
	h.monitor.Stop()
	h.mu.Lock()
	sub, done := h.sub, h.dispatched
	h.mu.Unlock()
	if sub == nil {
		return nil
	}
	sub.Close()
	<-done
	return nil
}

func (h *Hub) dispatch(sub Subscription, done chan<- struct{}) {
	defer close(done)
	events := sub.Events()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			h.fanOut(event)
		case req := <-h.local:
			open := h.fanOutQueued(events)
			req.delivered <- h.fanOut(req.event)
			if !open {
				return
			}
		}
	}
}

// fanOutQueued fans out every event already buffered on events without
// waiting for more. It reports whether events is still open.
func (h *Hub) fanOutQueued(events <-chan UpdateEvent) bool {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			h.fanOut(event)
		default:
			return true
		}
	}
}

// fanOutInOrder delivers an event the bus rejected. While the hub runs the
// event goes through the dispatcher, behind the events it has already
// queued, and the caller waits for it so later publishes cannot overtake it.
func (h *Hub) fanOutInOrder(event UpdateEvent) int {
	h.mu.Lock()
	dispatched := h.dispatched
	h.mu.Unlock()
	if dispatched == nil {
		return h.fanOut(event)
	}
	req := localDelivery{event: event, delivered: make(chan int, 1)}
	select {
	case h.local <- req:
		return <-req.delivered
	case <-dispatched:
		return h.fanOut(event)
	}
}

// fanOut hands event to every local connection in its room. Sends never
// block; connections that cannot accept the message are skipped.
func (h *Hub) fanOut(event UpdateEvent) int {
	members := h.rooms.Members(event.Room())
	if len(members) == 0 {
		return 0
	}
	payload, err := json.Marshal(outboundMessage{Type: messageTypeUpdate, Event: &event})
	if err != nil {
		h.logger.Error("failed to marshal update event", "error", err)
		return 0
	}
	delivered := 0
	for _, id := range members {
		conn, ok := h.registry.Lookup(id)
		if !ok {
			continue
		}
		if conn.Send(payload) {
			delivered++
		}
	}
	h.metrics.ObserveDeliveries(delivered)
	return delivered
}

// Connect registers an authenticated connection.
func (h *Hub) Connect(conn Connection) {
	h.registry.Register(conn.UserID(), conn)
	h.observeConnections()
}

// Disconnect clears the connection's memberships and unregisters it. Once it
// returns no fan-out targets the connection.
func (h *Hub) Disconnect(conn Connection) {
	h.rooms.LeaveAll(conn.ID())
	h.registry.Unregister(conn.UserID(), conn.ID())
	h.observeConnections()
}

func (h *Hub) observeConnections() {
	h.metrics.SetConnections(h.registry.TotalConnectionCount(), len(h.registry.AllOnlineUsers()))
}

// Join subscribes a registered connection to an entity room.
func (h *Hub) Join(conn Connection, entityType, entityID string) (Room, error) {
	if err := h.ensureRegistered(conn); err != nil {
		return Room{}, err
	}
	room, _, err := h.rooms.Join(conn.ID(), entityType, entityID)
	h.observeRoomOperation("join", err)
	return room, err
}

// Leave unsubscribes a registered connection from an entity room.
func (h *Hub) Leave(conn Connection, entityType, entityID string) (Room, error) {
	if err := h.ensureRegistered(conn); err != nil {
		return Room{}, err
	}
	room, _, err := h.rooms.Leave(conn.ID(), entityType, entityID)
	h.observeRoomOperation("leave", err)
	return room, err
}

func (h *Hub) observeRoomOperation(operation string, err error) {
	var subErr *SubscriptionError
	switch {
	case err == nil:
		h.metrics.ObserveRoomOperation(operation, "ok")
	case errors.As(err, &subErr):
		h.metrics.ObserveRoomOperation(operation, "invalid")
	default:
		h.metrics.ObserveRoomOperation(operation, "error")
	}
}

func (h *Hub) ensureRegistered(conn Connection) error {
	registered, ok := h.registry.Lookup(conn.ID())
	if !ok || registered != conn {
		return ErrNotConnected
	}
	return nil
}

// OfflineUpdates returns the retained replay window for an entity, most
// recent first. There is no per-client cursor.
func (h *Hub) OfflineUpdates(ctx context.Context, entityType, entityID string) ([]ReplayRecord, error) {
	room, err := h.rooms.Resolve(entityType, entityID)
	if err != nil {
		return nil, err
	}
	storeCtx, cancel := context.WithTimeout(ctx, h.storeTimeout)
	defer cancel()
	records, err := h.replay.List(storeCtx, room.ReplayKey())
	if err != nil {
		return nil, fmt.Errorf("list replay records: %w", err)
	}
	if records == nil {
		records = []ReplayRecord{}
	}
	return records, nil
}

// Publish forwards to the publisher. It only fails for invalid arguments.
func (h *Hub) Publish(ctx context.Context, entityType, entityID string, payload any) error {
	return h.publisher.Publish(ctx, entityType, entityID, payload)
}

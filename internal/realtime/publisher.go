package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"marketplace-live/internal/observability/logging"
	"marketplace-live/internal/observability/metrics"
)

const (
	// DefaultReplayCap bounds each replay list.
	DefaultReplayCap = 100
	// DefaultStoreTimeout bounds every durable store call made while
	// publishing.
	DefaultStoreTimeout = 2 * time.Second
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	Replay ReplayStore
	Retry  RetryStore
	Bus    Bus
	Rooms  *RoomManager
	// FanOut delivers an event to local connections when the bus rejects a
	// publish. It must return only after the event is handed to every
	// connection so a later publish cannot overtake it.
	FanOut       func(UpdateEvent) int
	ReplayCap    int
	StoreTimeout time.Duration
	Clock        func() time.Time
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// Publisher records update events for offline replay and hands them to the
// bus for live fan-out. Delivery failures never reach the caller.
type Publisher struct {
	replay       ReplayStore
	retry        RetryStore
	bus          Bus
	rooms        *RoomManager
	fanOut       func(UpdateEvent) int
	replayCap    int
	storeTimeout time.Duration
	clock        func() time.Time
	logger       *slog.Logger
	metrics      *metrics.Recorder
}

// NewPublisher validates cfg and constructs a Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Replay == nil {
		return nil, fmt.Errorf("replay store is required")
	}
	if cfg.Retry == nil {
		return nil, fmt.Errorf("retry store is required")
	}
	if cfg.Rooms == nil {
		return nil, fmt.Errorf("room manager is required")
	}
	p := &Publisher{
		replay:       cfg.Replay,
		retry:        cfg.Retry,
		bus:          cfg.Bus,
		rooms:        cfg.Rooms,
		fanOut:       cfg.FanOut,
		replayCap:    cfg.ReplayCap,
		storeTimeout: cfg.StoreTimeout,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	if p.replayCap <= 0 {
		p.replayCap = DefaultReplayCap
	}
	if p.storeTimeout <= 0 {
		p.storeTimeout = DefaultStoreTimeout
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = metrics.Default()
	}
	return p, nil
}

// Publish builds an update event and delivers it. It only fails for invalid
// arguments: an unknown entity reference or a payload that is not JSON.
// Store and bus failures are logged and recovered through the retry queue.
func (p *Publisher) Publish(ctx context.Context, entityType, entityID string, payload any) error {
	room, err := p.rooms.Resolve(entityType, entityID)
	if err != nil {
		return err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	event := UpdateEvent{
		EntityType: room.EntityType,
		EntityID:   room.EntityID,
		Payload:    raw,
		Timestamp:  p.clock().UTC(),
	}
	if err := p.deliver(ctx, event); err != nil {
		p.metrics.ObservePublish("deferred")
		p.enqueueRetry(ctx, RetryRecord{Event: event, Attempts: 0, EnqueuedAt: p.clock().UTC()}, err)
		return nil
	}
	p.metrics.ObservePublish("stored")
	return nil
}

// deliver writes the replay record and fans the event out. The fan-out runs
// even when the write fails; the returned error only reports the write.
func (p *Publisher) deliver(ctx context.Context, event UpdateEvent) error {
	storeErr := p.record(ctx, event)
	p.broadcast(ctx, event)
	return storeErr
}

func (p *Publisher) record(ctx context.Context, event UpdateEvent) error {
	storeCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	record := ReplayRecord{Event: event, RecordedAt: p.clock().UTC()}
	if err := p.replay.Append(storeCtx, event.Room().ReplayKey(), record, p.replayCap); err != nil {
		return fmt.Errorf("%w: append replay record: %v", ErrDeliveryFailure, err)
	}
	return nil
}

func (p *Publisher) broadcast(ctx context.Context, event UpdateEvent) {
	if p.bus != nil {
		busCtx, cancel := context.WithTimeout(ctx, p.storeTimeout)
		err := p.bus.Publish(busCtx, event)
		cancel()
		if err == nil {
			return
		}
		p.metrics.ObserveBusFailure()
		logging.WithRoom(p.logger, event.Room().String()).Warn("bus publish failed, delivering locally", "error", err)
	}
	if p.fanOut != nil {
		p.fanOut(event)
	}
}

func (p *Publisher) enqueueRetry(ctx context.Context, record RetryRecord, cause error) {
	key := record.Event.Room().RetryKey()
	p.logger.Warn("replay write failed, queueing retry", "key", key, "error", cause)
	// The retry must survive the caller's cancellation.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.storeTimeout)
	defer cancel()
	if err := p.retry.Enqueue(storeCtx, key, record); err != nil {
		p.logger.Error("retry enqueue failed, update not durable",
			"key", key,
			"error", fmt.Errorf("%w: %v", ErrDeliveryFailure, err))
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch v := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return nil, ErrInvalidPayload
	}
	return append(json.RawMessage(nil), raw...), nil
}

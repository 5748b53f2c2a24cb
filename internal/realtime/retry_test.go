package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"marketplace-live/internal/observability/metrics"
)

type recordingDeliverer struct {
	mu       sync.Mutex
	failures int
	events   []UpdateEvent
	calls    int
}

func (d *recordingDeliverer) deliver(_ context.Context, event UpdateEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.failures != 0 {
		if d.failures > 0 {
			d.failures--
		}
		return errStoreDown
	}
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDeliverer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestRetryQueue(t *testing.T, store RetryStore, deliver func(context.Context, UpdateEvent) error) *RetryQueue {
	t.Helper()
	queue, err := NewRetryQueue(RetryQueueConfig{
		Store:       store,
		Deliver:     deliver,
		MaxAttempts: 3,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:     metrics.New(),
	})
	if err != nil {
		t.Fatalf("NewRetryQueue: %v", err)
	}
	return queue
}

func retryEvent(id string) UpdateEvent {
	return UpdateEvent{
		EntityType: "product",
		EntityID:   id,
		Payload:    json.RawMessage(`{"price":10}`),
		Timestamp:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRetryDrainDeliversAndClearsKeys(t *testing.T) {
	store := NewMemoryRetryStore()
	deliverer := &recordingDeliverer{}
	queue := newTestRetryQueue(t, store, deliverer.deliver)
	ctx := context.Background()

	for _, id := range []string{"p1", "p1", "p2"} {
		if err := queue.Enqueue(ctx, RetryRecord{Event: retryEvent(id)}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	stats, err := queue.DrainAndReprocess(ctx)
	if err != nil {
		t.Fatalf("DrainAndReprocess: %v", err)
	}
	if stats.Keys != 2 || stats.Delivered != 3 || stats.Requeued != 0 || stats.Dropped != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if keys, _ := store.Keys(ctx); len(keys) != 0 {
		t.Fatalf("expected no pending keys, got %v", keys)
	}
}

func TestRetryDrainIncrementsAttemptsOnFailure(t *testing.T) {
	store := NewMemoryRetryStore()
	deliverer := &recordingDeliverer{failures: 1}
	queue := newTestRetryQueue(t, store, deliverer.deliver)
	ctx := context.Background()

	if err := queue.Enqueue(ctx, RetryRecord{Event: retryEvent("p1")}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	stats, err := queue.DrainAndReprocess(ctx)
	if err != nil {
		t.Fatalf("DrainAndReprocess: %v", err)
	}
	if stats.Requeued != 1 {
		t.Fatalf("expected one requeue, got %+v", stats)
	}
	records, _ := store.Take(ctx, "retry:product:p1")
	if len(records) != 1 || records[0].Attempts != 1 {
		t.Fatalf("expected one record with attempts 1, got %+v", records)
	}
}

func TestRetryPermanentFailureIsDroppedAfterMaxAttempts(t *testing.T) {
	store := NewMemoryRetryStore()
	deliverer := &recordingDeliverer{failures: -1}
	queue := newTestRetryQueue(t, store, deliverer.deliver)
	ctx := context.Background()

	if err := queue.Enqueue(ctx, RetryRecord{Event: retryEvent("p1")}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var dropped int
	for pass := 0; pass < 5; pass++ {
		stats, err := queue.DrainAndReprocess(ctx)
		if err != nil {
			t.Fatalf("pass %d: %v", pass, err)
		}
		dropped += stats.Dropped
	}
	if dropped != 1 {
		t.Fatalf("expected the record to be dropped once, got %d", dropped)
	}
	if calls := deliverer.callCount(); calls != 3 {
		t.Fatalf("expected three delivery attempts, got %d", calls)
	}
	if keys, _ := store.Keys(ctx); len(keys) != 0 {
		t.Fatalf("record should be gone, got keys %v", keys)
	}
}

func TestRetryDropsRecordsAlreadyAtCap(t *testing.T) {
	store := NewMemoryRetryStore()
	deliverer := &recordingDeliverer{}
	queue := newTestRetryQueue(t, store, deliverer.deliver)
	ctx := context.Background()

	if err := queue.Enqueue(ctx, RetryRecord{Event: retryEvent("p1"), Attempts: 3}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	stats, err := queue.DrainAndReprocess(ctx)
	if err != nil {
		t.Fatalf("DrainAndReprocess: %v", err)
	}
	if stats.Dropped != 1 || deliverer.callCount() != 0 {
		t.Fatalf("expected drop without delivery, stats %+v calls %d", stats, deliverer.callCount())
	}
}

type brokenTakeStore struct {
	*MemoryRetryStore
	broken string
}

func (s brokenTakeStore) Take(ctx context.Context, key string) ([]RetryRecord, error) {
	if key == s.broken {
		return nil, errStoreDown
	}
	return s.MemoryRetryStore.Take(ctx, key)
}

func TestRetryDrainContinuesPastFailingKeys(t *testing.T) {
	store := brokenTakeStore{MemoryRetryStore: NewMemoryRetryStore(), broken: "retry:product:a"}
	deliverer := &recordingDeliverer{}
	queue := newTestRetryQueue(t, store, deliverer.deliver)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := queue.Enqueue(ctx, RetryRecord{Event: retryEvent(id)}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	stats, err := queue.DrainAndReprocess(ctx)
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected joined store error, got %v", err)
	}
	if stats.Delivered != 1 {
		t.Fatalf("expected the healthy key to be processed, got %+v", stats)
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"marketplace-live/internal/observability/metrics"
)

func newTestPublisher(t *testing.T, replay ReplayStore, retry RetryStore, fanOut func(UpdateEvent) int) *Publisher {
	t.Helper()
	publisher, err := NewPublisher(PublisherConfig{
		Replay:    replay,
		Retry:     retry,
		Rooms:     NewRoomManager(nil, nil),
		FanOut:    fanOut,
		ReplayCap: 100,
		Clock:     func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:   metrics.New(),
	})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return publisher
}

func TestPublishRejectsProgrammerErrors(t *testing.T) {
	publisher := newTestPublisher(t, NewMemoryReplayStore(), NewMemoryRetryStore(), nil)
	ctx := context.Background()

	var subErr *SubscriptionError
	if err := publisher.Publish(ctx, "spaceship", "s1", map[string]int{"a": 1}); !errors.As(err, &subErr) {
		t.Fatalf("expected SubscriptionError for unknown type, got %v", err)
	}
	if err := publisher.Publish(ctx, "product", "", map[string]int{"a": 1}); !errors.As(err, &subErr) {
		t.Fatalf("expected SubscriptionError for empty id, got %v", err)
	}
	for name, payload := range map[string]any{
		"nil":          nil,
		"invalid raw":  json.RawMessage(`{"broken"`),
		"invalid byte": []byte("not json"),
		"unencodable":  math.Inf(1),
	} {
		if err := publisher.Publish(ctx, "product", "p1", payload); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("%s: expected ErrInvalidPayload, got %v", name, err)
		}
	}
}

func TestPublishStoresAndFansOutWithoutBus(t *testing.T) {
	replay := NewMemoryReplayStore()
	var fanned []UpdateEvent
	publisher := newTestPublisher(t, replay, NewMemoryRetryStore(), func(event UpdateEvent) int {
		fanned = append(fanned, event)
		return 1
	})

	if err := publisher.Publish(context.Background(), "Booking", "b-1", json.RawMessage(`{"slot":"09:00"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(fanned) != 1 || fanned[0].EntityType != "booking" {
		t.Fatalf("expected one normalized fan-out, got %+v", fanned)
	}
	records, _ := replay.List(context.Background(), "replay:booking:b-1")
	if len(records) != 1 {
		t.Fatalf("expected one replay record, got %d", len(records))
	}
	if !records[0].Event.Timestamp.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", records[0].Event.Timestamp)
	}
}

func TestReplayListKeepsMostRecentCap(t *testing.T) {
	replay := NewMemoryReplayStore()
	publisher := newTestPublisher(t, replay, NewMemoryRetryStore(), nil)
	publisher.replayCap = 5

	for _, n := range []int{3, 5, 12} {
		key := Room{EntityType: "product", EntityID: "cap"}.ReplayKey()
		_ = replay.Delete(context.Background(), key)
		for i := 0; i < n; i++ {
			if err := publisher.Publish(context.Background(), "product", "cap", map[string]int{"seq": i}); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		}
		records, _ := replay.List(context.Background(), key)
		want := n
		if want > 5 {
			want = 5
		}
		if len(records) != want {
			t.Fatalf("n=%d: expected %d records, got %d", n, want, len(records))
		}
		for i, record := range records {
			var payload map[string]int
			_ = json.Unmarshal(record.Event.Payload, &payload)
			if payload["seq"] != n-1-i {
				t.Fatalf("n=%d: record %d has seq %d", n, i, payload["seq"])
			}
		}
	}
}

func TestPublishStoreFailureEnqueuesRetry(t *testing.T) {
	replay := &flakyReplayStore{MemoryReplayStore: NewMemoryReplayStore()}
	replay.failNext(1)
	retry := NewMemoryRetryStore()
	fanned := 0
	publisher := newTestPublisher(t, replay, retry, func(UpdateEvent) int {
		fanned++
		return 1
	})

	if err := publisher.Publish(context.Background(), "transaction", "t-9", map[string]string{"state": "paid"}); err != nil {
		t.Fatalf("Publish must not surface delivery failures, got %v", err)
	}
	if fanned != 1 {
		t.Fatalf("live fan-out must proceed despite the store failure, got %d", fanned)
	}
	records, _ := retry.Take(context.Background(), "retry:transaction:t-9")
	if len(records) != 1 {
		t.Fatalf("expected one retry record, got %d", len(records))
	}
	if records[0].Attempts != 0 {
		t.Fatalf("expected attempts 0, got %d", records[0].Attempts)
	}
	if records[0].EnqueuedAt.IsZero() {
		t.Fatal("expected enqueuedAt to be set")
	}
}

type blockingReplayStore struct {
	*MemoryReplayStore
}

func (blockingReplayStore) Append(ctx context.Context, _ string, _ ReplayRecord, _ int) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPublishStoreTimeoutTreatedAsFailure(t *testing.T) {
	retry := NewMemoryRetryStore()
	publisher := newTestPublisher(t, blockingReplayStore{NewMemoryReplayStore()}, retry, nil)
	publisher.storeTimeout = 20 * time.Millisecond

	start := time.Now()
	if err := publisher.Publish(context.Background(), "product", "slow", json.RawMessage(`1`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish blocked for %v", elapsed)
	}
	keys, _ := retry.Keys(context.Background())
	if len(keys) != 1 || keys[0] != "retry:product:slow" {
		t.Fatalf("expected a retry key, got %v", keys)
	}
}

type failingRetryStore struct{ *MemoryRetryStore }

func (failingRetryStore) Enqueue(context.Context, string, RetryRecord) error {
	return errStoreDown
}

func TestPublishSwallowsRetryEnqueueFailure(t *testing.T) {
	replay := &flakyReplayStore{MemoryReplayStore: NewMemoryReplayStore()}
	replay.failNext(1)
	publisher := newTestPublisher(t, replay, failingRetryStore{NewMemoryRetryStore()}, nil)
	if err := publisher.Publish(context.Background(), "product", "p1", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish must not fail when both stores fail, got %v", err)
	}
}

package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketplace-live/internal/observability/metrics"
)

// DefaultMaxAttempts is how many reprocessing attempts a retry record gets.
const DefaultMaxAttempts = 3

// RetryQueueConfig configures a RetryQueue.
type RetryQueueConfig struct {
	Store        RetryStore
	Deliver      func(ctx context.Context, event UpdateEvent) error
	MaxAttempts  int
	StoreTimeout time.Duration
	Clock        func() time.Time
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// DrainStats summarizes one DrainAndReprocess pass.
type DrainStats struct {
	Keys      int
	Delivered int
	Requeued  int
	Dropped   int
}

// RetryQueue redelivers updates whose durable write failed. Draining takes
// each key's records and deletes the key in one step, so a record is never
// reprocessed twice from the same read. A crash between the take and the
// redelivery loses the record.
type RetryQueue struct {
	store        RetryStore
	deliver      func(ctx context.Context, event UpdateEvent) error
	maxAttempts  int
	storeTimeout time.Duration
	clock        func() time.Time
	logger       *slog.Logger
	metrics      *metrics.Recorder
}

// NewRetryQueue validates cfg and constructs a RetryQueue.
func NewRetryQueue(cfg RetryQueueConfig) (*RetryQueue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("retry store is required")
	}
	if cfg.Deliver == nil {
		return nil, fmt.Errorf("deliver function is required")
	}
	q := &RetryQueue{
		store:        cfg.Store,
		deliver:      cfg.Deliver,
		maxAttempts:  cfg.MaxAttempts,
		storeTimeout: cfg.StoreTimeout,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.storeTimeout <= 0 {
		q.storeTimeout = DefaultStoreTimeout
	}
	if q.clock == nil {
		q.clock = time.Now
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.metrics == nil {
		q.metrics = metrics.Default()
	}
	return q, nil
}

// Enqueue stores record under its room's retry key.
func (q *RetryQueue) Enqueue(ctx context.Context, record RetryRecord) error {
	if record.EnqueuedAt.IsZero() {
		record.EnqueuedAt = q.clock().UTC()
	}
	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()
	if err := q.store.Enqueue(storeCtx, record.Event.Room().RetryKey(), record); err != nil {
		return fmt.Errorf("enqueue retry: %w", err)
	}
	return nil
}

// DrainAndReprocess takes every pending record and redelivers those with
// attempts left. Records reaching the attempt cap are dropped and logged as
// permanent failures. Failures on one key do not stop the others.
func (q *RetryQueue) DrainAndReprocess(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	keys, err := q.keys(ctx)
	if err != nil {
		return stats, fmt.Errorf("list retry keys: %w", err)
	}
	var errs []error
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		records, err := q.take(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("take %s: %w", key, err))
			continue
		}
		stats.Keys++
		for _, record := range records {
			q.reprocess(ctx, key, record, &stats)
		}
	}
	return stats, errors.Join(errs...)
}

func (q *RetryQueue) reprocess(ctx context.Context, key string, record RetryRecord, stats *DrainStats) {
	if record.Attempts >= q.maxAttempts {
		q.drop(key, record, nil)
		stats.Dropped++
		return
	}
	record.Attempts++
	err := q.deliver(ctx, record.Event)
	if err == nil {
		q.metrics.ObserveRetry("delivered")
		stats.Delivered++
		return
	}
	if record.Attempts >= q.maxAttempts {
		q.drop(key, record, err)
		stats.Dropped++
		return
	}
	if enqueueErr := q.Enqueue(context.WithoutCancel(ctx), record); enqueueErr != nil {
		q.logger.Error("retry requeue failed, update lost",
			"key", key,
			"attempts", record.Attempts,
			"error", enqueueErr)
		q.metrics.ObserveRetry("lost")
		return
	}
	q.metrics.ObserveRetry("requeued")
	stats.Requeued++
}

func (q *RetryQueue) drop(key string, record RetryRecord, cause error) {
	q.metrics.ObserveRetry("dropped")
	attrs := []any{
		"key", key,
		"attempts", record.Attempts,
		"enqueued_at", record.EnqueuedAt,
		"error", ErrPermanentDeliveryFailure,
	}
	if cause != nil {
		attrs = append(attrs, "cause", cause)
	}
	q.logger.Error("retry attempts exhausted", attrs...)
}

func (q *RetryQueue) keys(ctx context.Context) ([]string, error) {
	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()
	return q.store.Keys(storeCtx)
}

func (q *RetryQueue) take(ctx context.Context, key string) ([]RetryRecord, error) {
	storeCtx, cancel := context.WithTimeout(ctx, q.storeTimeout)
	defer cancel()
	return q.store.Take(storeCtx, key)
}

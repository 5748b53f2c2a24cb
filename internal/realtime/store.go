package realtime

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ReplayStore keeps a bounded, most-recent-first list of records per key.
// Implementations are shared across service instances and must trim on
// append atomically.
type ReplayStore interface {
	Append(ctx context.Context, key string, record ReplayRecord, limit int) error
	List(ctx context.Context, key string) ([]ReplayRecord, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	// TrimOlderThan removes records recorded before cutoff and returns how
	// many were removed.
	TrimOlderThan(ctx context.Context, key string, cutoff time.Time) (int, error)
}

// RetryStore holds pending retry records per key in enqueue order.
type RetryStore interface {
	Enqueue(ctx context.Context, key string, record RetryRecord) error
	// Take returns every pending record for key and deletes the key as one
	// unit.
	Take(ctx context.Context, key string) ([]RetryRecord, error)
	Keys(ctx context.Context) ([]string, error)
}

// MemoryReplayStore is a process-local ReplayStore for tests and
// single-instance deployments.
type MemoryReplayStore struct {
	mu      sync.Mutex
	records map[string][]ReplayRecord
}

// NewMemoryReplayStore constructs an empty in-memory replay store.
func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{records: make(map[string][]ReplayRecord)}
}

func (s *MemoryReplayStore) Append(ctx context.Context, key string, record ReplayRecord, limit int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]ReplayRecord{record}, s.records[key]...)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	s.records[key] = list
	return nil
}

func (s *MemoryReplayStore) List(ctx context.Context, key string) ([]ReplayRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReplayRecord(nil), s.records[key]...), nil
}

func (s *MemoryReplayStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryReplayStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedMapKeys(s.records), nil
}

func (s *MemoryReplayStore) TrimOlderThan(ctx context.Context, key string, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.records[key]
	kept := list[:0:0]
	for _, record := range list {
		if !record.RecordedAt.Before(cutoff) {
			kept = append(kept, record)
		}
	}
	removed := len(list) - len(kept)
	if len(kept) == 0 {
		delete(s.records, key)
	} else {
		s.records[key] = kept
	}
	return removed, nil
}

// MemoryRetryStore is a process-local RetryStore.
type MemoryRetryStore struct {
	mu      sync.Mutex
	records map[string][]RetryRecord
}

// NewMemoryRetryStore constructs an empty in-memory retry store.
func NewMemoryRetryStore() *MemoryRetryStore {
	return &MemoryRetryStore{records: make(map[string][]RetryRecord)}
}

func (s *MemoryRetryStore) Enqueue(ctx context.Context, key string, record RetryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[key] = append(s.records[key], record)
	s.mu.Unlock()
	return nil
}

func (s *MemoryRetryStore) Take(ctx context.Context, key string) ([]RetryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.records[key]
	delete(s.records, key)
	return records, nil
}

func (s *MemoryRetryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedMapKeys(s.records), nil
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

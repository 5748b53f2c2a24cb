package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"marketplace-live/internal/realtime"
)

const (
	replayPattern    = "replay:*"
	retryPattern     = "retry:*"
	scanCount        = 256
	maxTrimConflicts = 5
)

// RedisStoreConfig configures the Redis replay and retry stores.
type RedisStoreConfig struct {
	Client redis.UniversalClient
	// Namespace prefixes every key so several deployments can share a
	// database. Keys returned to callers never carry the prefix.
	Namespace string
}

type redisKeyspace struct {
	client    redis.UniversalClient
	namespace string
	// eachNode runs fn against every node holding part of the keyspace.
	eachNode func(ctx context.Context, fn func(context.Context, redis.Cmdable) error) error
}

func newRedisKeyspace(cfg RedisStoreConfig) (redisKeyspace, error) {
	if cfg.Client == nil {
		return redisKeyspace{}, fmt.Errorf("redis client is required")
	}
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace != "" && !strings.HasSuffix(namespace, ":") {
		namespace += ":"
	}
	return redisKeyspace{
		client:    cfg.Client,
		namespace: namespace,
		eachNode:  nodesOf(cfg.Client),
	}, nil
}

// nodesOf returns the node iterator for client. A cluster spreads keys over
// its masters and answers a keyless SCAN from a single one, so every master
// is visited.
func nodesOf(client redis.UniversalClient) func(context.Context, func(context.Context, redis.Cmdable) error) error {
	if cluster, ok := client.(*redis.ClusterClient); ok {
		return func(ctx context.Context, fn func(context.Context, redis.Cmdable) error) error {
			return cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
				return fn(ctx, node)
			})
		}
	}
	return func(ctx context.Context, fn func(context.Context, redis.Cmdable) error) error {
		return fn(ctx, client)
	}
}

func (k redisKeyspace) key(key string) string {
	return k.namespace + key
}

// scan walks the keyspace for pattern on every node. SCAN may return a key
// more than once so results are deduplicated.
func (k redisKeyspace) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	err := k.eachNode(ctx, func(ctx context.Context, node redis.Cmdable) error {
		iter := node.Scan(ctx, 0, k.namespace+pattern, scanCount).Iterator()
		for iter.Next(ctx) {
			mu.Lock()
			seen[strings.TrimPrefix(iter.Val(), k.namespace)] = struct{}{}
			mu.Unlock()
		}
		return iter.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping checks that Redis answers.
func (k redisKeyspace) Ping(ctx context.Context) error {
	return k.client.Ping(ctx).Err()
}

// RedisReplayStore keeps each replay list as a Redis list with the newest
// record at the head. Append pushes and trims inside one MULTI so the cap
// holds across instances.
type RedisReplayStore struct {
	redisKeyspace
}

// NewRedisReplayStore constructs a replay store on cfg.Client.
func NewRedisReplayStore(cfg RedisStoreConfig) (*RedisReplayStore, error) {
	keyspace, err := newRedisKeyspace(cfg)
	if err != nil {
		return nil, err
	}
	return &RedisReplayStore{redisKeyspace: keyspace}, nil
}

func (s *RedisReplayStore) Append(ctx context.Context, key string, record realtime.ReplayRecord, limit int) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal replay record: %w", err)
	}
	full := s.key(key)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, full, payload)
		if limit > 0 {
			pipe.LTrim(ctx, full, 0, int64(limit-1))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append replay record: %w", err)
	}
	return nil
}

func (s *RedisReplayStore) List(ctx context.Context, key string) ([]realtime.ReplayRecord, error) {
	raw, err := s.client.LRange(ctx, s.key(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list replay records: %w", err)
	}
	return decodeReplayRecords(raw)
}

func (s *RedisReplayStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete replay key: %w", err)
	}
	return nil
}

func (s *RedisReplayStore) Keys(ctx context.Context) ([]string, error) {
	return s.scan(ctx, replayPattern)
}

// TrimOlderThan rewrites the list without records older than cutoff. The
// rewrite is guarded by WATCH and retried when a concurrent append wins.
func (s *RedisReplayStore) TrimOlderThan(ctx context.Context, key string, cutoff time.Time) (int, error) {
	full := s.key(key)
	removed := 0
	trim := func(tx *redis.Tx) error {
		raw, err := tx.LRange(ctx, full, 0, -1).Result()
		if err != nil {
			return err
		}
		kept := make([]any, 0, len(raw))
		for _, item := range raw {
			var record realtime.ReplayRecord
			if err := json.Unmarshal([]byte(item), &record); err != nil {
				// Undecodable entries are dropped with the expired ones.
				continue
			}
			if !record.RecordedAt.Before(cutoff) {
				kept = append(kept, item)
			}
		}
		removed = len(raw) - len(kept)
		if removed == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, full)
			if len(kept) > 0 {
				pipe.RPush(ctx, full, kept...)
			}
			return nil
		})
		return err
	}
	for attempt := 0; attempt < maxTrimConflicts; attempt++ {
		err := s.client.Watch(ctx, trim, full)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("trim replay records: %w", err)
		}
		return removed, nil
	}
	return 0, fmt.Errorf("trim replay records: %w", redis.TxFailedErr)
}

// RedisRetryStore keeps pending retry records as Redis lists in enqueue
// order.
type RedisRetryStore struct {
	redisKeyspace
}

// NewRedisRetryStore constructs a retry store on cfg.Client.
func NewRedisRetryStore(cfg RedisStoreConfig) (*RedisRetryStore, error) {
	keyspace, err := newRedisKeyspace(cfg)
	if err != nil {
		return nil, err
	}
	return &RedisRetryStore{redisKeyspace: keyspace}, nil
}

func (s *RedisRetryStore) Enqueue(ctx context.Context, key string, record realtime.RetryRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal retry record: %w", err)
	}
	if err := s.client.RPush(ctx, s.key(key), payload).Err(); err != nil {
		return fmt.Errorf("enqueue retry record: %w", err)
	}
	return nil
}

// Take reads and deletes the key in one MULTI/EXEC.
func (s *RedisRetryStore) Take(ctx context.Context, key string) ([]realtime.RetryRecord, error) {
	full := s.key(key)
	var values *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		values = pipe.LRange(ctx, full, 0, -1)
		pipe.Del(ctx, full)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("take retry records: %w", err)
	}
	raw := values.Val()
	records := make([]realtime.RetryRecord, 0, len(raw))
	for _, item := range raw {
		var record realtime.RetryRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			// The key is already gone; a corrupt entry cannot be redelivered.
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisRetryStore) Keys(ctx context.Context) ([]string, error) {
	return s.scan(ctx, retryPattern)
}

func decodeReplayRecords(raw []string) ([]realtime.ReplayRecord, error) {
	records := make([]realtime.ReplayRecord, 0, len(raw))
	for _, item := range raw {
		var record realtime.ReplayRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("decode replay record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

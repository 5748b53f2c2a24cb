package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace-live/internal/realtime"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS realtime_replay (
		id BIGSERIAL PRIMARY KEY,
		room_key TEXT NOT NULL,
		record JSONB NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS realtime_replay_room_key_idx ON realtime_replay (room_key, id DESC)`,
	`CREATE INDEX IF NOT EXISTS realtime_replay_recorded_at_idx ON realtime_replay (recorded_at)`,
	`CREATE TABLE IF NOT EXISTS realtime_retry (
		id BIGSERIAL PRIMARY KEY,
		room_key TEXT NOT NULL,
		record JSONB NOT NULL,
		enqueued_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS realtime_retry_room_key_idx ON realtime_retry (room_key, id)`,
}

// EnsureSchema creates the replay and retry tables when missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply realtime schema: %w", err)
		}
	}
	return nil
}

// PostgresReplayStore keeps replay records as rows ordered by id. Appends
// to one key are serialised with a transaction-scoped advisory lock so the
// cap holds across instances.
type PostgresReplayStore struct {
	pool *pgxpool.Pool
}

// NewPostgresReplayStore constructs a replay store on pool.
func NewPostgresReplayStore(pool *pgxpool.Pool) (*PostgresReplayStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is required")
	}
	return &PostgresReplayStore{pool: pool}, nil
}

// Ping checks that Postgres answers.
func (s *PostgresReplayStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresReplayStore) Append(ctx context.Context, key string, record realtime.ReplayRecord, limit int) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal replay record: %w", err)
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return fmt.Errorf("lock replay key: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO realtime_replay (room_key, record, recorded_at) VALUES ($1, $2, $3)`,
			key, payload, record.RecordedAt.UTC()); err != nil {
			return fmt.Errorf("insert replay record: %w", err)
		}
		if limit <= 0 {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM realtime_replay
			 WHERE room_key = $1
			   AND id NOT IN (
				SELECT id FROM realtime_replay WHERE room_key = $1 ORDER BY id DESC LIMIT $2
			   )`,
			key, limit); err != nil {
			return fmt.Errorf("trim replay records: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append replay record: %w", err)
	}
	return nil
}

func (s *PostgresReplayStore) List(ctx context.Context, key string) ([]realtime.ReplayRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM realtime_replay WHERE room_key = $1 ORDER BY id DESC`, key)
	if err != nil {
		return nil, fmt.Errorf("list replay records: %w", err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("list replay records: %w", err)
	}
	records := make([]realtime.ReplayRecord, 0, len(raw))
	for _, item := range raw {
		var record realtime.ReplayRecord
		if err := json.Unmarshal(item, &record); err != nil {
			return nil, fmt.Errorf("decode replay record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *PostgresReplayStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM realtime_replay WHERE room_key = $1`, key); err != nil {
		return fmt.Errorf("delete replay key: %w", err)
	}
	return nil
}

func (s *PostgresReplayStore) Keys(ctx context.Context) ([]string, error) {
	return distinctKeys(ctx, s.pool, `SELECT DISTINCT room_key FROM realtime_replay ORDER BY room_key`)
}

func (s *PostgresReplayStore) TrimOlderThan(ctx context.Context, key string, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM realtime_replay WHERE room_key = $1 AND recorded_at < $2`, key, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("trim replay records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PostgresRetryStore keeps pending retry records as rows in insertion order.
type PostgresRetryStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRetryStore constructs a retry store on pool.
func NewPostgresRetryStore(pool *pgxpool.Pool) (*PostgresRetryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is required")
	}
	return &PostgresRetryStore{pool: pool}, nil
}

func (s *PostgresRetryStore) Enqueue(ctx context.Context, key string, record realtime.RetryRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal retry record: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO realtime_retry (room_key, record, enqueued_at) VALUES ($1, $2, $3)`,
		key, payload, record.EnqueuedAt.UTC()); err != nil {
		return fmt.Errorf("enqueue retry record: %w", err)
	}
	return nil
}

// Take deletes the key's rows and returns them in one statement.
func (s *PostgresRetryStore) Take(ctx context.Context, key string) ([]realtime.RetryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`WITH taken AS (
			DELETE FROM realtime_retry WHERE room_key = $1 RETURNING id, record
		 )
		 SELECT record FROM taken ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("take retry records: %w", err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("take retry records: %w", err)
	}
	records := make([]realtime.RetryRecord, 0, len(raw))
	for _, item := range raw {
		var record realtime.RetryRecord
		if err := json.Unmarshal(item, &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *PostgresRetryStore) Keys(ctx context.Context) ([]string, error) {
	return distinctKeys(ctx, s.pool, `SELECT DISTINCT room_key FROM realtime_retry ORDER BY room_key`)
}

func distinctKeys(ctx context.Context, pool *pgxpool.Pool, query string) ([]string, error) {
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/weft/model"
)

// RedisSnapshotStore is a Redis-backed SnapshotStore. Records are stored as
// JSON under prefix+id and indexed by creation time in a sorted set.
type RedisSnapshotStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSnapshotStore creates a Redis snapshot store. A zero ttl keeps
// records until they are deleted.
func NewRedisSnapshotStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisSnapshotStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisSnapshotStore) indexKey() string {
	return s.prefix + "index"
}

// Create stores a new record.
func (s *RedisSnapshotStore) Create(ctx context.Context, rec SnapshotRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		created = p.SetNX(ctx, s.key(rec.ID), raw, s.ttl)
		p.ZAddNX(ctx, s.indexKey(), redis.Z{
			Score:  float64(rec.CreatedAt.UnixNano()),
			Member: rec.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis create %q: %w", rec.ID, err)
	}
	if !created.Val() {
		return model.NewConflictError(
			fmt.Sprintf("snapshot %q already exists", rec.ID),
		)
	}
	return nil
}

// Get retrieves a record by id.
func (s *RedisSnapshotStore) Get(ctx context.Context, id string) (SnapshotRecord, error) {
	return s.get(ctx, s.client, id)
}

// getter is the subset of redis commands shared by clients and transactions.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisSnapshotStore) get(ctx context.Context, c getter, id string) (SnapshotRecord, error) {
	raw, err := c.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return SnapshotRecord{}, model.NewNotFoundError(
			fmt.Sprintf("snapshot %q not found", id),
		)
	}
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("redis get %q: %w", id, err)
	}

	var rec SnapshotRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return SnapshotRecord{}, fmt.Errorf("unmarshal snapshot %q: %w", id, err)
	}
	return rec, nil
}

// Update replaces a record with optimistic locking. The version check and
// the write run under WATCH so a concurrent writer fails the transaction.
func (s *RedisSnapshotStore) Update(ctx context.Context, rec SnapshotRecord) error {
	key := s.key(rec.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.get(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		if existing.Version != rec.Version {
			return model.NewConflictError(
				fmt.Sprintf("snapshot %q version conflict (expected %d, got %d)", rec.ID, rec.Version, existing.Version),
			)
		}

		rec.Version++
		rec.CreatedAt = existing.CreatedAt
		rec.UpdatedAt = time.Now().UTC()
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, raw, s.ttl)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return model.NewConflictError(
			fmt.Sprintf("snapshot %q modified concurrently", rec.ID),
		)
	}
	return err
}

// Delete removes a record.
func (s *RedisSnapshotStore) Delete(ctx context.Context, id string) error {
	var deleted *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		deleted = p.Del(ctx, s.key(id))
		p.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %q: %w", id, err)
	}
	if deleted.Val() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("snapshot %q not found", id),
		)
	}
	return nil
}

// List returns matching records, newest first. Index entries whose record
// has expired are skipped.
func (s *RedisSnapshotStore) List(ctx context.Context, filters SnapshotFilters) ([]SnapshotRecord, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	var result []SnapshotRecord
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if model.HasCode(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filters.match(rec) {
			result = append(result, rec)
		}
	}
	return page(result, filters.Offset, filters.Limit), nil
}

// HealthCheck pings the server.
func (s *RedisSnapshotStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

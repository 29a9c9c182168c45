package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the low-latency dedupe backend for multi-node deployments.
// Reservation atomicity comes from SETNX; retention is delegated to key TTLs
// so Cleanup is a no-op. Attempt-counter bumps are read-modify-write and
// best-effort: a lost bump under-counts, it never breaks dedupe.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore wraps a client. retention bounds the key TTL.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func (s *RedisStore) redisKey(key Key) string {
	return fmt.Sprintf("tradegate:idem:%s", key.dedupeKey())
}

// CheckAndReserve reserves via SETNX or classifies the existing record.
func (s *RedisStore) CheckAndReserve(ctx context.Context, key Key) (Reservation, error) {
	now := time.Now().UTC()
	rec := Record{
		Key:           key,
		State:         ResultPending,
		AttemptCount:  1,
		CreatedAt:     now,
		LastAttemptAt: now,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Reservation{}, err
	}

	set, err := s.client.SetNX(ctx, s.redisKey(key), raw, s.retention).Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if set {
		return Reservation{Outcome: OutcomeNew}, nil
	}

	stored, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		return Reservation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var existing Record
	if err := json.Unmarshal(stored, &existing); err != nil {
		return Reservation{}, fmt.Errorf("%w: decode record: %v", ErrUnavailable, err)
	}

	existing.AttemptCount++
	existing.LastAttemptAt = now
	if bumped, err := json.Marshal(existing); err == nil {
		_ = s.client.Set(ctx, s.redisKey(key), bumped, redis.KeepTTL).Err()
	}

	if existing.Key.PayloadHash != key.PayloadHash {
		return Reservation{Outcome: OutcomePayloadMismatch}, nil
	}
	if existing.State == ResultPending {
		return Reservation{Outcome: OutcomeInFlight}, nil
	}
	return Reservation{Outcome: OutcomeDuplicate, State: existing.State, Result: existing.Result}, nil
}

// Complete records the terminal state, keeping the original TTL window and
// the attempt history.
func (s *RedisStore) Complete(ctx context.Context, key Key, state ResultState, result json.RawMessage) error {
	now := time.Now().UTC()
	rec := Record{Key: key, AttemptCount: 1, CreatedAt: now, LastAttemptAt: now}
	if stored, err := s.client.Get(ctx, s.redisKey(key)).Bytes(); err == nil {
		var existing Record
		if json.Unmarshal(stored, &existing) == nil {
			rec = existing
		}
	}
	rec.State = state
	rec.Result = result
	rec.CompletedAt = now

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.redisKey(key), raw, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Release drops a PENDING reservation.
func (s *RedisStore) Release(ctx context.Context, key Key) error {
	stored, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var existing Record
	if json.Unmarshal(stored, &existing) == nil && existing.State != ResultPending {
		return nil
	}
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Cleanup is handled by key TTLs.
func (s *RedisStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	return 0, nil
}

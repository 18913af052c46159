package entstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entitlement rows in Redis with native TTL expiry. Rows past
// their freshness window disappear on their own, so a Get after expiry is a
// plain miss.
type RedisStore struct {
	rdb   *redis.Client
	keyNS string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed entitlement store.
func NewRedisStore(rdb *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "paywall:ent:"
	}
	return &RedisStore{rdb: rdb, keyNS: keyPrefix}
}

func (s *RedisStore) key(tenantID, productID, userID string) string {
	return s.keyNS + tenantID + ":" + productID + ":" + userID
}

// Get retrieves the row for (tenant, product, user). Returns (nil, nil) when
// absent or already expired out of Redis.
func (s *RedisStore) Get(ctx context.Context, tenantID, productID, userID string) (*Row, error) {
	val, err := s.rdb.Get(ctx, s.key(tenantID, productID, userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	var r Row
	if err := json.Unmarshal(val, &r); err != nil {
		return nil, fmt.Errorf("decode entitlement: %w", err)
	}
	return &r, nil
}

// Put fully replaces the row for its key. The Redis TTL is derived from the
// row's absolute expiry.
func (s *RedisStore) Put(ctx context.Context, row *Row) error {
	if row == nil {
		return fmt.Errorf("entitlement row is nil")
	}
	row.UpdatedAt = time.Now().UTC()

	ttl := time.Until(row.ExpiresAt)
	if ttl <= 0 {
		// Already stale; writing it would only resurface a dead decision.
		return nil
	}
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode entitlement: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(row.TenantID, row.ProductID, row.UserID), b, ttl).Err(); err != nil {
		return fmt.Errorf("put entitlement: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity (used for readiness probes).
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// PositionCache is a read-through Redis cache for single positions. It is a
// ChangeObserver so committed writes evict the keys they touched.
type PositionCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewPositionCache constructs PositionCache. A nil client disables caching.
func NewPositionCache(client *redis.Client, ttl time.Duration) *PositionCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PositionCache{client: client, ttl: ttl}
}

func positionCacheKey(tenantID uuid.UUID, key PositionKey) string {
	return fmt.Sprintf("inventory:position:%s:%s:%s", tenantID, key.ItemID, key.LocationID)
}

// Fetch returns the cached position or loads and stores it.
func (c *PositionCache) Fetch(ctx context.Context, tenantID uuid.UUID, key PositionKey, load func(context.Context) (Position, error)) (Position, error) {
	if c == nil || c.client == nil {
		return load(ctx)
	}
	cacheKey := positionCacheKey(tenantID, key)
	raw, err := c.client.Get(ctx, cacheKey).Bytes()
	if err == nil {
		var pos Position
		if err := json.Unmarshal(raw, &pos); err == nil {
			return pos, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return load(ctx)
	}

	ch := c.group.DoChan(cacheKey, func() (any, error) {
		pos, err := load(ctx)
		if err != nil {
			return Position{}, err
		}
		if payload, err := json.Marshal(pos); err == nil {
			_ = c.client.Set(ctx, cacheKey, payload, c.ttl).Err()
		}
		return pos, nil
	})
	select {
	case <-ctx.Done():
		return Position{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Position{}, res.Err
		}
		return res.Val.(Position), nil
	}
}

// Invalidate evicts the given positions.
func (c *PositionCache) Invalidate(ctx context.Context, tenantID uuid.UUID, keys ...PositionKey) error {
	if c == nil || c.client == nil || len(keys) == 0 {
		return nil
	}
	cacheKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		cacheKeys = append(cacheKeys, positionCacheKey(tenantID, key))
	}
	return c.client.Del(ctx, cacheKeys...).Err()
}

// Committed implements ChangeObserver.
func (c *PositionCache) Committed(ctx context.Context, change Change) {
	keys := make([]PositionKey, 0, len(change.Positions))
	for _, pos := range change.Positions {
		keys = append(keys, pos.Key())
	}
	_ = c.Invalidate(ctx, change.TenantID, keys...)
}

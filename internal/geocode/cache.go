package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"careers/jobboard/internal/model"
)

const cacheKeyPrefix = "jobboard:geocode:"

// RedisCache keeps geocode hits and misses in Redis so repeated syncs do
// not re-resolve the same location text.
type RedisCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisCache returns a cache whose entries expire after ttl (0 = never).
func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type cacheEntry struct {
	Hit bool    `json:"hit"`
	Lat float64 `json:"lat,omitempty"`
	Lng float64 `json:"lng,omitempty"`
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (*model.Coordinates, bool, error) {
	raw, err := c.rdb.Get(ctx, cacheKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis GET: %w", err)
	}

	var e cacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		// Treat a corrupt entry as absent; the next Set overwrites it.
		return nil, false, nil
	}
	if !e.Hit {
		return nil, true, nil
	}
	return &model.Coordinates{Lat: e.Lat, Lng: e.Lng}, true, nil
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, key string, coords *model.Coordinates) error {
	e := cacheEntry{}
	if coords != nil {
		e = cacheEntry{Hit: true, Lat: coords.Lat, Lng: coords.Lng}
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, cacheKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET: %w", err)
	}
	return nil
}

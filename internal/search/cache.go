package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"careers/jobboard/internal/model"
)

const facetsKey = "jobboard:facets"

// FacetCache holds the distinct filter values between syncs.
type FacetCache interface {
	Get(ctx context.Context) (*model.Facets, error)
	Set(ctx context.Context, f model.Facets) error
	Invalidate(ctx context.Context) error
}

// RedisFacetCache stores facets as one JSON value with a TTL.
type RedisFacetCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisFacetCache returns a cache on rdb. ttl 0 means entries live
// until the next Invalidate.
func NewRedisFacetCache(rdb redis.Cmdable, ttl time.Duration) *RedisFacetCache {
	return &RedisFacetCache{rdb: rdb, ttl: ttl}
}

// Get returns (nil, nil) on a miss.
func (c *RedisFacetCache) Get(ctx context.Context) (*model.Facets, error) {
	raw, err := c.rdb.Get(ctx, facetsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s: %w", facetsKey, err)
	}
	var f model.Facets
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, nil
	}
	return &f, nil
}

func (c *RedisFacetCache) Set(ctx context.Context, f model.Facets) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, facetsKey, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", facetsKey, err)
	}
	return nil
}

// Invalidate drops the cached facets; the orchestrator calls it after
// every run.
func (c *RedisFacetCache) Invalidate(ctx context.Context) error {
	if err := c.rdb.Del(ctx, facetsKey).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", facetsKey, err)
	}
	return nil
}

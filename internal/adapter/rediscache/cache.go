// Package rediscache shares region payloads between service instances.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tlm-solutions/locations-consensus/internal/domain"
)

var keyPrefix = "locations:v" + strconv.Itoa(domain.SchemaVersion) + ":region:"

// Cache stores serialized LocationsJson per region with a TTL.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// New wraps a connected client.
func New(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return client, nil
}

// Key returns the cache key of a region.
func Key(region int64) string {
	return keyPrefix + strconv.FormatInt(region, 10)
}

// Get returns the cached payload of region. A miss is not an error. Entries
// written under another schema version count as a miss.
func (c *Cache) Get(ctx context.Context, region int64) (domain.LocationsJson, bool, error) {
	data, err := c.client.Get(ctx, Key(region)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.LocationsJson{}, false, nil
	}
	if err != nil {
		return domain.LocationsJson{}, false, fmt.Errorf("redis get region %d: %w", region, err)
	}

	var payload domain.LocationsJson
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logger.Warn("dropping undecodable cached payload", "region", region, "error", err)
		return domain.LocationsJson{}, false, nil
	}
	if err := domain.CheckSchema(payload.Schema); err != nil {
		c.logger.Debug("cached payload has foreign schema", "region", region, "error", err)
		return domain.LocationsJson{}, false, nil
	}
	return payload, true, nil
}

func (c *Cache) Set(ctx context.Context, payload domain.LocationsJson) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serialize region %d: %w", payload.Region, err)
	}
	if err := c.client.Set(ctx, Key(payload.Region), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set region %d: %w", payload.Region, err)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, regions ...int64) error {
	if len(regions) == 0 {
		return nil
	}
	keys := make([]string, len(regions))
	for i, r := range regions {
		keys[i] = Key(r)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis invalidate %v: %w", regions, err)
	}
	return nil
}

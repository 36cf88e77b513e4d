package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"runroute.dev/route-metrics/internal/trackmetrics"
)

const (
	keyPrefix  = "route-metrics:gpx:"
	DefaultTTL = 30 * 24 * time.Hour
)

// Cache stores computed metrics keyed by GPX content. Raw track points are
// never stored.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{redis: client, ttl: ttl}
}

func Connect(addr, password string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

func (c *Cache) Get(ctx context.Context, key string) (trackmetrics.Result, bool, error) {
	var res trackmetrics.Result
	data, err := c.redis.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return res, false, nil
	} else if err != nil {
		return res, false, err
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return res, false, err
	}
	return res, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, res trackmetrics.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, keyPrefix+key, data, c.ttl).Err()
}

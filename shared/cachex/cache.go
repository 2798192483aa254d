package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sos-mesh-relay/shared/config"
)

var errNotInitialized = errors.New("redis client not initialized")

// Client stores JSON values in Redis under "<env>:<key>", so staging and
// production can share a Redis database without reading each other's
// cached stats.
type Client struct {
	rdb    *redis.Client
	prefix string
}

func New(cfg config.Config) (*Client, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, errors.New("REDIS_ADDR is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Client{rdb: rdb, prefix: Prefix(cfg.Env)}, nil
}

// Prefix is the namespace New applies for env.
func Prefix(env string) string {
	env = strings.TrimSpace(env)
	if env == "" {
		return ""
	}
	return env + ":"
}

func (c *Client) Key(key string) string {
	if c == nil {
		return key
	}
	return c.prefix + key
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return errNotInitialized
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// SetJSON stores value; a ttl <= 0 keeps the key until deleted.
func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.rdb == nil {
		return errNotInitialized
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return c.rdb.Set(ctx, c.Key(key), raw, ttl).Err()
}

// GetJSON reports false without error on a miss.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, errNotInitialized
	}
	raw, err := c.rdb.Get(ctx, c.Key(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		// A value we cannot decode is treated as a miss and dropped.
		_ = c.rdb.Del(ctx, c.Key(key)).Err()
		return false, nil
	}
	return true, nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if c == nil || c.rdb == nil {
		return errNotInitialized
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.Key(k)
	}
	return c.rdb.Del(ctx, full...).Err()
}

// Client exposes the underlying connection for pub/sub and locks, which
// manage their own key names.
func (c *Client) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}

package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by Lock when another holder owns the key.
var ErrLockHeld = errors.New("lock held by another process")

// Redis wraps a go-redis client with JSON helpers and a lock client.
type Redis struct {
	client *redis.Client
	locker *redislock.Client
	logger *slog.Logger
	prefix string
}

// Config defines connection parameters for Redis.
type Config struct {
	Addr      string
	Password  string
	DB        int
	UseTLS    bool
	KeyPrefix string
}

// New returns a Redis client based on provided configuration.
func New(cfg Config, logger *slog.Logger) *Redis {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return Wrap(redis.NewClient(opts), cfg.KeyPrefix, logger)
}

// Wrap adopts an existing client.
func Wrap(client *redis.Client, prefix string, logger *slog.Logger) *Redis {
	if prefix == "" {
		prefix = "tmsync"
	}
	return &Redis{
		client: client,
		locker: redislock.New(client),
		logger: logger.With("component", "redis"),
		prefix: prefix,
	}
}

// Key joins parts under the configured prefix.
func (r *Redis) Key(parts ...string) string {
	key := r.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Ping verifies Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// SetJSON caches a value as JSON with the provided TTL.
func (r *Redis) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// GetJSON retrieves JSON value and unmarshals into dest. A missing key
// reports false with no error.
func (r *Redis) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	res, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(res, dest); err != nil {
		return false, fmt.Errorf("json unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Delete removes keys; missing keys are ignored.
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Lock obtains an exclusive lease on name for ttl, stored under the "lock"
// key namespace. The returned release function is safe to call once;
// release failures are logged.
func (r *Redis) Lock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := r.Key("lock", name)
	lock, err := r.locker.Obtain(ctx, key, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
		}
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return func() {
		// The run context may already be cancelled; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger.Warn("release lock failed", "key", key, "error", err)
		}
	}, nil
}

// Close releases Redis resources.
func (r *Redis) Close() error {
	return r.client.Close()
}

package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"signalrelay/internal/config"
)

type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// New builds the configured store. Anything other than "redis" is in-process.
func New(cfg config.CacheConfig) Store {
	if cfg.Backend == "redis" && cfg.RedisAddr != "" {
		return NewRedisStore(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	return NewMemoryStore()
}

package jobstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/loopforge/exporter/internal/config"
)

// Open builds the Store selected by cfg.Driver. The redis backend reuses
// redisClient; other backends ignore it.
func Open(ctx context.Context, cfg config.StoreConfig, redisClient *redis.Client) (Store, error) {
	switch cfg.Driver {
	case "", "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis store requires a redis client")
		}
		return NewRedisStore(redisClient, cfg.TTL), nil
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	case "mysql", "sqlite":
		return OpenSQL(cfg.Driver, cfg.DSN)
	case "pebble":
		dir := cfg.DSN
		if dir == "" {
			dir = "./data/jobs"
		}
		return OpenPebble(dir, nil)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

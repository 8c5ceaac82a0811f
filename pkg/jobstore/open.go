package jobstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Backend names accepted by Open.
const (
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config selects and configures a Store backend.
type Config struct {
	Backend string

	// Path of the SQLite database file.
	Path string

	// DSN of the PostgreSQL database.
	DSN string
}

// Open creates the Store named by cfg.Backend. redisClient is required for
// the redis backend only.
func Open(ctx context.Context, cfg Config, redisClient *redis.Client) (Store, error) {
	switch cfg.Backend {
	case BackendRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis backend requires a redis client")
		}
		return NewRedisStore(redisClient), nil
	case BackendSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite backend requires a path")
		}
		return NewSQLiteStore(cfg.Path)
	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres backend requires a dsn")
		}
		return NewPostgresStore(ctx, cfg.DSN)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown job store backend %q", cfg.Backend)
	}
}

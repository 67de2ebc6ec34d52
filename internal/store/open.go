package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Options selects and configures a store driver.
type Options struct {
	Driver    string
	DBPath    string
	RedisAddr string
}

// Open constructs the store named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(opts.DBPath)
	case DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", opts.RedisAddr, err)
		}
		return NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

package status

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Backend is a Store with a connection lifecycle.
type Backend interface {
	Store
	Ping(ctx context.Context) error
	Close() error
}

// OpenOptions selects and configures a backend by name.
type OpenOptions struct {
	// Backend is one of "redis", "postgres" or "memory".
	Backend         string
	Redis           *redis.Options
	PostgresDSN     string
	ApplicationName string
}

// Open connects to the selected backend and verifies it responds. The
// postgres backend also creates its table.
func Open(ctx context.Context, opts OpenOptions) (Backend, error) {
	var backend Backend
	switch opts.Backend {
	case "redis":
		if opts.Redis == nil {
			return nil, fmt.Errorf("redis status backend: missing options")
		}
		backend = NewRedisStore(redis.NewClient(opts.Redis))
	case "postgres":
		store, err := NewPostgresStore(ctx, PostgresConfig{DSN: opts.PostgresDSN, ApplicationName: opts.ApplicationName})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		backend = store
	case "memory":
		backend = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown status backend %q", opts.Backend)
	}
	if err := backend.Ping(ctx); err != nil {
		backend.Close()
		return nil, err
	}
	return backend, nil
}

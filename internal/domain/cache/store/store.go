package store

import (
	"context"
	"time"
)

// Backend is the key/value storage behind the response cache. Keys are
// opaque strings; a zero ttl means no expiry.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close(ctx context.Context) error
}

// PrefixDeleter is implemented by backends with a native bulk delete.
type PrefixDeleter interface {
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// Config describes the backend selection.
type Config struct {
	Driver string
	Memory *MemoryConfig
	Redis  *RedisConfig
}

type MemoryConfig struct {
	GCInterval time.Duration
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

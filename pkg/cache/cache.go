package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Cache is the shared key/value interface used by the agent-config loader
// and the memory provider.
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, bool)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) bool
	Close() error
}

const (
	KindLocal = "local"
	KindRedis = "redis"
)

// Config selects and parameterizes a cache backend.
type Config struct {
	Type  string `env:"CACHE_TYPE"`
	Local LocalConfig
	Redis RedisConfig
}

// LocalConfig configures the in-process backend.
type LocalConfig struct {
	DefaultExpiration time.Duration `env:"CACHE_LOCAL_EXPIRATION"`
	CleanupInterval   time.Duration `env:"CACHE_LOCAL_CLEANUP"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr        string        `env:"REDIS_ADDR"`
	Password    string        `env:"REDIS_PASSWORD"`
	DB          int           `env:"REDIS_DB"`
	PoolSize    int           `env:"REDIS_POOL_SIZE"`
	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout time.Duration `env:"REDIS_READ_TIMEOUT"`
}

// New creates a cache instance based on configuration.
func New(config Config) (Cache, error) {
	switch strings.ToLower(config.Type) {
	case KindLocal, "":
		return NewLocalCache(config.Local), nil
	case KindRedis:
		return NewRedisCache(config.Redis)
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}

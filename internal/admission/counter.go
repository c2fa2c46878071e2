// Package admission tracks in-flight local deliveries per user and decides
// whether another recipient for that user may be accepted.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors
var (
	ErrNotConnected = errors.New("not connected to counter backend")
)

// Counter is a shared integer store keyed by string.
type Counter interface {
	// Connect establishes the backend connection. It is safe to call more
	// than once.
	Connect(ctx context.Context) error

	// Count returns the current value of key, 0 when unset.
	Count(ctx context.Context, key string) (int64, error)

	// Incr adds one to key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Decr subtracts one from key, never going below zero.
	Decr(ctx context.Context, key string) (int64, error)

	// Close releases the backend connection.
	Close() error

	// Type returns the backend name.
	Type() string
}

// Config selects and configures the counter backend.
type Config struct {
	Type            string        `toml:"type" yaml:"type"`
	Host            string        `toml:"host" yaml:"host"`
	Port            int           `toml:"port" yaml:"port"`
	Password        string        `toml:"password" yaml:"password"`
	Database        int           `toml:"database" yaml:"database"`
	KeyPrefix       string        `toml:"key_prefix" yaml:"key_prefix"`
	TTL             time.Duration `toml:"-" yaml:"-"`
	BreakerFailures uint32        `toml:"breaker_failures" yaml:"breaker_failures"`
}

// Types lists the supported counter backends.
var Types = []string{"memory", "redis", "memcached", "valkey"}

// NewCounter creates the backend named by cfg.Type. An empty type selects
// the in-process memory counter.
func NewCounter(cfg Config) (Counter, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(cfg), nil
	case "memcached":
		return NewMemcached(cfg), nil
	case "valkey":
		return NewValkey(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported admission counter type: %s", cfg.Type)
	}
}

func hostPort(host string, port, defaultPort int) string {
	if host == "" {
		host = "localhost"
	}
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}

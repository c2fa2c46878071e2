package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Counter stored in Redis. Keys carry a TTL so that counts left
// behind by a crashed process eventually expire.
type Redis struct {
	config Config

	mu     sync.Mutex
	client *redis.Client
}

// NewRedis creates a Redis counter. Connect must be called before use.
func NewRedis(cfg Config) *Redis {
	return &Redis{config: cfg}
}

func (r *Redis) Type() string { return "redis" }

// Connect establishes a connection to Redis
func (r *Redis) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     hostPort(r.config.Host, r.config.Port, 6379),
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	r.client = client
	return nil
}

func (r *Redis) conn() (*redis.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil, ErrNotConnected
	}
	return r.client, nil
}

func (r *Redis) Count(ctx context.Context, key string) (int64, error) {
	client, err := r.conn()
	if err != nil {
		return 0, err
	}
	n, err := client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	client, err := r.conn()
	if err != nil {
		return 0, err
	}
	n, err := client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if r.config.TTL > 0 {
		client.Expire(ctx, key, r.config.TTL)
	}
	return n, nil
}

func (r *Redis) Decr(ctx context.Context, key string) (int64, error) {
	client, err := r.conn()
	if err != nil {
		return 0, err
	}
	n, err := client.Decr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		client.Del(ctx, key)
		return 0, nil
	}
	return n, nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached is a Counter stored in memcached.
type Memcached struct {
	config Config

	mu     sync.Mutex
	client *memcache.Client
}

// NewMemcached creates a memcached counter. Connect must be called before use.
func NewMemcached(cfg Config) *Memcached {
	return &Memcached{config: cfg}
}

func (m *Memcached) Type() string { return "memcached" }

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return nil
	}

	client := memcache.New(hostPort(m.config.Host, m.config.Port, 11211))
	if err := client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}
	m.client = client
	return nil
}

func (m *Memcached) conn() (*memcache.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

func (m *Memcached) expiration() int32 {
	return int32(m.config.TTL.Seconds())
}

func (m *Memcached) Count(ctx context.Context, key string) (int64, error) {
	client, err := m.conn()
	if err != nil {
		return 0, err
	}
	item, err := client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(item.Value)), 10, 64)
}

func (m *Memcached) Incr(ctx context.Context, key string) (int64, error) {
	client, err := m.conn()
	if err != nil {
		return 0, err
	}
	n, err := client.Increment(key, 1)
	if errors.Is(err, memcache.ErrCacheMiss) {
		err = client.Add(&memcache.Item{Key: key, Value: []byte("1"), Expiration: m.expiration()})
		if err == nil {
			return 1, nil
		}
		if !errors.Is(err, memcache.ErrNotStored) {
			return 0, err
		}
		// Lost the race with another writer; the key exists now.
		n, err = client.Increment(key, 1)
	}
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func (m *Memcached) Decr(ctx context.Context, key string) (int64, error) {
	client, err := m.conn()
	if err != nil {
		return 0, err
	}
	n, err := client.Decrement(key, 1)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// Close closes the connection to the Memcached server
func (m *Memcached) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = nil
	return nil
}

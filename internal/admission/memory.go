package admission

import (
	"context"
	"sync"
)

// Memory is an in-process Counter. It only sees deliveries made by this
// process.
type Memory struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemory creates an empty in-process counter.
func NewMemory() *Memory {
	return &Memory{counts: make(map[string]int64)}
}

func (m *Memory) Connect(ctx context.Context) error { return nil }
func (m *Memory) Close() error                      { return nil }
func (m *Memory) Type() string                      { return "memory" }

func (m *Memory) Count(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key], nil
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

func (m *Memory) Decr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.counts[key] - 1
	if n <= 0 {
		delete(m.counts, key)
		return 0, nil
	}
	m.counts[key] = n
	return n, nil
}

package admission

import (
	"context"
	"fmt"
	"sync"

	"github.com/valkey-io/valkey-go"
)

// Valkey is a Counter stored in Valkey.
type Valkey struct {
	config Config

	mu     sync.Mutex
	client valkey.Client
}

// NewValkey creates a Valkey counter. Connect must be called before use.
func NewValkey(cfg Config) *Valkey {
	return &Valkey{config: cfg}
}

func (v *Valkey) Type() string { return "valkey" }

func (v *Valkey) Connect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.client != nil {
		return nil
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{hostPort(v.config.Host, v.config.Port, 6379)},
		Password:    v.config.Password,
		SelectDB:    v.config.Database,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Valkey: %w", err)
	}
	v.client = client
	return nil
}

func (v *Valkey) conn() (valkey.Client, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.client == nil {
		return nil, ErrNotConnected
	}
	return v.client, nil
}

func (v *Valkey) Count(ctx context.Context, key string) (int64, error) {
	client, err := v.conn()
	if err != nil {
		return 0, err
	}
	n, err := client.Do(ctx, client.B().Get().Key(key).Build()).AsInt64()
	if valkey.IsValkeyNil(err) {
		return 0, nil
	}
	return n, err
}

func (v *Valkey) Incr(ctx context.Context, key string) (int64, error) {
	client, err := v.conn()
	if err != nil {
		return 0, err
	}
	n, err := client.Do(ctx, client.B().Incr().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, err
	}
	if v.config.TTL > 0 {
		client.Do(ctx, client.B().Expire().Key(key).Seconds(int64(v.config.TTL.Seconds())).Build())
	}
	return n, nil
}

func (v *Valkey) Decr(ctx context.Context, key string) (int64, error) {
	client, err := v.conn()
	if err != nil {
		return 0, err
	}
	n, err := client.Do(ctx, client.B().Decr().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		client.Do(ctx, client.B().Del().Key(key).Build())
		return 0, nil
	}
	return n, nil
}

func (v *Valkey) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.client != nil {
		v.client.Close()
		v.client = nil
	}
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
)

// Bolt keeps every mailbox in a single bbolt database: one bucket per
// user, keyed by ULID so that keys sort by arrival time.
type Bolt struct {
	db          *bbolt.DB
	autoexpunge time.Duration
	logger      *slog.Logger
}

// OpenBolt opens or creates the database at cfg.Path.
func OpenBolt(cfg Config, logger *slog.Logger) (*Bolt, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt storage requires a path")
	}
	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open mailbox database: %w", err)
	}
	return &Bolt{
		db:          db,
		autoexpunge: cfg.Autoexpunge,
		logger:      logger,
	}, nil
}

// Deliver implements Storage.
func (b *Bolt) Deliver(ctx context.Context, msg *Message, mb Mailbox) error {
	data, err := io.ReadAll(msg.Open())
	if err != nil {
		return &TempError{Err: fmt.Errorf("failed to read message: %w", err)}
	}
	if err := ctx.Err(); err != nil {
		return &TempError{Err: err}
	}

	received := msg.Received
	if received.IsZero() {
		received = time.Now()
	}
	id := ulid.MustNew(ulid.Timestamp(received), ulid.DefaultEntropy())
	quota := mb.QuotaBytes()

	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(mb.Username))
		if err != nil {
			return err
		}
		if quota > 0 {
			var usage int64
			if err := bucket.ForEach(func(k, v []byte) error {
				usage += int64(len(v))
				return nil
			}); err != nil {
				return err
			}
			if usage+int64(len(data)) > quota {
				return ErrQuotaExceeded
			}
		}
		return bucket.Put(id[:], data)
	})
	if errors.Is(err, ErrQuotaExceeded) {
		return err
	}
	if err != nil {
		return &TempError{Err: fmt.Errorf("failed to store message: %w", err)}
	}

	b.logger.Debug("Message saved", "username", mb.Username, "id", id.String(), "size", len(data))
	return nil
}

// Messages returns the stored messages of username in arrival order.
func (b *Bolt) Messages(username string) ([][]byte, error) {
	var out [][]byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(username))
		if bucket == nil {
			return ErrNotFound
		}
		return bucket.ForEach(func(k, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	return out, err
}

// Autoexpunge implements Storage.
func (b *Bolt) Autoexpunge(ctx context.Context, mb Mailbox) (int, error) {
	if b.autoexpunge <= 0 {
		return 0, nil
	}
	cutoff := ulid.Timestamp(time.Now().Add(-b.autoexpunge))
	expunged := 0

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(mb.Username))
		if bucket == nil {
			return nil
		}
		var stale [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			var id ulid.ULID
			if copy(id[:], k) != len(id) || id.Time() >= cutoff {
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		expunged = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to autoexpunge: %w", err)
	}
	if expunged > 0 {
		b.logger.Info("Autoexpunged messages", "username", mb.Username, "count", expunged)
	}
	return expunged, nil
}

// Close implements Storage.
func (b *Bolt) Close() error {
	return b.db.Close()
}

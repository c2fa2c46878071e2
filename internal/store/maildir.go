package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Maildir stores each message as a file in the user's Maildir. The
// directory is <home>/Maildir when the mailbox has a home, otherwise
// <root>/<username>.
type Maildir struct {
	root        string
	hostname    string
	autoexpunge time.Duration
	logger      *slog.Logger
}

// NewMaildir creates a maildir storage backend
func NewMaildir(cfg Config, logger *slog.Logger) *Maildir {
	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	hostname = strings.NewReplacer("/", "\\057", ":", "\\072").Replace(hostname)
	return &Maildir{
		root:        cfg.Path,
		hostname:    hostname,
		autoexpunge: cfg.Autoexpunge,
		logger:      logger,
	}
}

// Dir returns the Maildir directory for mb.
func (m *Maildir) Dir(mb Mailbox) string {
	if mb.Home != "" {
		return filepath.Join(mb.Home, "Maildir")
	}
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(mb.Username)
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	return filepath.Join(m.root, name)
}

func (m *Maildir) ensureDirs(dir string) error {
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return fmt.Errorf("failed to create maildir: %w", err)
		}
	}
	return nil
}

// Deliver implements Storage.
func (m *Maildir) Deliver(ctx context.Context, msg *Message, mb Mailbox) error {
	if err := ctx.Err(); err != nil {
		return &TempError{Err: err}
	}
	dir := m.Dir(mb)
	if err := m.ensureDirs(dir); err != nil {
		return &TempError{Err: err}
	}

	if quota := mb.QuotaBytes(); quota > 0 {
		usage, err := m.usage(dir)
		if err != nil {
			return &TempError{Err: err}
		}
		if usage+msg.Size > quota {
			return ErrQuotaExceeded
		}
	}

	base := ulid.Make().String() + "." + m.hostname
	tmpPath := filepath.Join(dir, "tmp", base)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return &TempError{Err: fmt.Errorf("failed to create message file: %w", err)}
	}

	n, err := io.Copy(f, msg.Open())
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return &TempError{Err: fmt.Errorf("failed to write message file: %w", err)}
	}

	newPath := filepath.Join(dir, "new", base+",S="+strconv.FormatInt(n, 10))
	if err := os.Rename(tmpPath, newPath); err != nil {
		os.Remove(tmpPath)
		return &TempError{Err: fmt.Errorf("failed to move message into new/: %w", err)}
	}

	m.logger.Debug("Message saved",
		"username", mb.Username,
		"path", newPath,
		"size", n,
	)
	return nil
}

// usage returns the bytes used by messages in new/ and cur/.
func (m *Maildir) usage(dir string) (int64, error) {
	var total int64
	for _, sub := range []string{"new", "cur"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return 0, fmt.Errorf("failed to read maildir: %w", err)
		}
		for _, entry := range entries {
			if size, ok := sizeFromName(entry.Name()); ok {
				total += size
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			total += info.Size()
		}
	}
	return total, nil
}

func sizeFromName(name string) (int64, bool) {
	i := strings.Index(name, ",S=")
	if i < 0 {
		return 0, false
	}
	value := name[i+3:]
	if end := strings.IndexAny(value, ",:"); end >= 0 {
		value = value[:end]
	}
	n, err := strconv.ParseInt(value, 10, 64)
	return n, err == nil
}

// Autoexpunge implements Storage.
func (m *Maildir) Autoexpunge(ctx context.Context, mb Mailbox) (int, error) {
	if m.autoexpunge <= 0 {
		return 0, nil
	}
	dir := m.Dir(mb)
	cutoff := time.Now().Add(-m.autoexpunge)
	expunged := 0

	for _, sub := range []string{"new", "cur"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return expunged, fmt.Errorf("failed to read maildir: %w", err)
		}
		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return expunged, err
			}
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, sub, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return expunged, fmt.Errorf("failed to expunge message: %w", err)
			}
			expunged++
		}
	}

	if expunged > 0 {
		m.logger.Info("Autoexpunged messages", "username", mb.Username, "count", expunged)
	}
	return expunged, nil
}

// Close implements Storage.
func (m *Maildir) Close() error { return nil }

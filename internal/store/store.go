// Package store delivers accepted messages into local mailboxes.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/elemta-lmtp/internal/authdb"
)

// Common errors
var (
	ErrNotFound      = errors.New("mailbox not found")
	ErrQuotaExceeded = errors.New("quota exceeded (mailbox for user is full)")
)

// TempError marks a delivery failure that may succeed when retried.
type TempError struct {
	Err error
}

func (e *TempError) Error() string { return e.Err.Error() }
func (e *TempError) Unwrap() error { return e.Err }

// IsTemporary reports whether err should be answered with a temporary
// failure. Unclassified errors are treated as temporary.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return false
	}
	var temp *TempError
	if errors.As(err, &temp) {
		return true
	}
	var perm *PermError
	return !errors.As(err, &perm)
}

// PermError marks a delivery failure that will not succeed on retry.
type PermError struct {
	Err error
}

func (e *PermError) Error() string { return e.Err.Error() }
func (e *PermError) Unwrap() error { return e.Err }

// Mailbox identifies the destination of a local delivery.
type Mailbox struct {
	Username string
	Home     string
	UID      int
	GID      int
	Fields   authdb.Fields
}

// MailboxFromFields builds a Mailbox from userdb lookup fields. Missing
// uid and gid are -1.
func MailboxFromFields(username string, fields authdb.Fields) (Mailbox, error) {
	mb := Mailbox{Username: username, UID: -1, GID: -1, Fields: fields}
	if user, ok := fields.Get("user"); ok && user != "" {
		mb.Username = user
	}
	if home, ok := fields.Get("home"); ok {
		mb.Home = home
	}
	for key, dst := range map[string]*int{"uid": &mb.UID, "gid": &mb.GID} {
		value, ok := fields.Get(key)
		if !ok || value == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return mb, fmt.Errorf("invalid %s field %q", key, value)
		}
		*dst = n
	}
	return mb, nil
}

// QuotaBytes returns the storage quota from a "quota_rule=*:storage=N"
// field. Sizes may carry a K, M or G suffix. Zero means unlimited.
func (mb Mailbox) QuotaBytes() int64 {
	rule, ok := mb.Fields.Get("quota_rule")
	if !ok {
		return 0
	}
	_, spec, ok := strings.Cut(rule, ":")
	if !ok {
		return 0
	}
	for _, part := range strings.Split(spec, ":") {
		value, found := strings.CutPrefix(part, "storage=")
		if !found {
			continue
		}
		return parseSize(value)
	}
	return 0
}

func parseSize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1024, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1024*1024, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1024*1024*1024, strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseInt(strings.TrimSuffix(s, "B"), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n * mult
}

// Message is a message ready for delivery. Open may be called once per
// mailbox; each reader starts at the first header byte.
type Message struct {
	Sender    string
	SessionID string
	Received  time.Time
	Size      int64
	open      func() io.Reader
}

// NewMessage creates a Message whose content is produced by open.
func NewMessage(sender, sessionID string, received time.Time, size int64, open func() io.Reader) *Message {
	return &Message{
		Sender:    sender,
		SessionID: sessionID,
		Received:  received,
		Size:      size,
		open:      open,
	}
}

// Open returns a reader over the full message.
func (m *Message) Open() io.Reader {
	return m.open()
}

// Storage delivers messages into mailboxes.
type Storage interface {
	// Deliver stores msg in mb. Errors are classified with IsTemporary.
	Deliver(ctx context.Context, msg *Message, mb Mailbox) error

	// Autoexpunge removes messages older than the configured age from mb
	// and returns how many were removed.
	Autoexpunge(ctx context.Context, mb Mailbox) (int, error)

	// Close releases storage resources.
	Close() error
}

// Config selects and configures the storage backend.
type Config struct {
	Type        string
	Path        string
	Autoexpunge time.Duration
	Hostname    string
}

// Types lists the supported storage backends.
var Types = []string{"maildir", "bolt"}

// New creates the storage backend named by cfg.Type.
func New(cfg Config, logger *slog.Logger) (Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "type", cfg.Type)

	switch strings.ToLower(cfg.Type) {
	case "", "maildir":
		return NewMaildir(cfg, logger), nil
	case "bolt":
		return OpenBolt(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

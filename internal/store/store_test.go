package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-lmtp/internal/authdb"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testMessage(content string) *Message {
	return NewMessage("sender@example.com", "sid", time.Now(), int64(len(content)), func() io.Reader {
		return strings.NewReader(content)
	})
}

func TestMailboxFromFields(t *testing.T) {
	mb, err := MailboxFromFields("user@example.com", authdb.ParseFields([]string{
		"uid=1000", "gid=100", "home=/var/mail/user", "quota_rule=*:storage=2M",
	}))
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", mb.Username)
	assert.Equal(t, 1000, mb.UID)
	assert.Equal(t, 100, mb.GID)
	assert.Equal(t, "/var/mail/user", mb.Home)
	assert.Equal(t, int64(2*1024*1024), mb.QuotaBytes())

	mb, err = MailboxFromFields("alias@example.com", authdb.ParseFields([]string{"user=real@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, "real@example.com", mb.Username)
	assert.Equal(t, -1, mb.UID)
	assert.Zero(t, mb.QuotaBytes())

	_, err = MailboxFromFields("u", authdb.ParseFields([]string{"uid=abc"}))
	assert.Error(t, err)
}

func TestIsTemporary(t *testing.T) {
	assert.False(t, IsTemporary(nil))
	assert.False(t, IsTemporary(ErrQuotaExceeded))
	assert.True(t, IsTemporary(&TempError{Err: errors.New("disk")}))
	assert.False(t, IsTemporary(&PermError{Err: errors.New("bad mailbox")}))
	assert.True(t, IsTemporary(errors.New("unclassified")))
}

func TestMaildirDeliver(t *testing.T) {
	root := t.TempDir()
	md := NewMaildir(Config{Path: root, Hostname: "mx.example.com"}, testLogger())
	mb := Mailbox{Username: "user@example.com", UID: -1, GID: -1}

	require.NoError(t, md.Deliver(context.Background(), testMessage("Subject: a\r\n\r\nbody\r\n"), mb))

	dir := md.Dir(mb)
	assert.Equal(t, filepath.Join(root, "user@example.com"), dir)
	entries, err := os.ReadDir(filepath.Join(dir, "new"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".mx.example.com,S=20"))

	data, err := os.ReadFile(filepath.Join(dir, "new", entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "Subject: a\r\n\r\nbody\r\n", string(data))

	tmp, err := os.ReadDir(filepath.Join(dir, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestMaildirHomeAndSanitizing(t *testing.T) {
	md := NewMaildir(Config{Path: "/srv/mail"}, testLogger())
	assert.Equal(t, "/home/u/Maildir", md.Dir(Mailbox{Username: "u", Home: "/home/u"}))
	assert.Equal(t, "/srv/mail/.._.._etc", md.Dir(Mailbox{Username: "../../etc"}))
	assert.Equal(t, "/srv/mail/_", md.Dir(Mailbox{Username: ".."}))
}

func TestMaildirQuota(t *testing.T) {
	md := NewMaildir(Config{Path: t.TempDir()}, testLogger())
	mb := Mailbox{
		Username: "small@example.com",
		Fields:   authdb.ParseFields([]string{"quota_rule=*:storage=30"}),
	}
	ctx := context.Background()

	require.NoError(t, md.Deliver(ctx, testMessage(strings.Repeat("a", 20)), mb))
	err := md.Deliver(ctx, testMessage(strings.Repeat("b", 20)), mb)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.False(t, IsTemporary(err))
}

func TestMaildirAutoexpunge(t *testing.T) {
	md := NewMaildir(Config{Path: t.TempDir(), Autoexpunge: time.Hour}, testLogger())
	mb := Mailbox{Username: "user"}
	ctx := context.Background()

	require.NoError(t, md.Deliver(ctx, testMessage("old"), mb))
	require.NoError(t, md.Deliver(ctx, testMessage("new"), mb))

	entries, err := os.ReadDir(filepath.Join(md.Dir(mb), "new"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(md.Dir(mb), "new", entries[0].Name()), old, old))

	n, err := md.Autoexpunge(ctx, mb)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = md.Autoexpunge(ctx, Mailbox{Username: "nobody"})
	require.NoError(t, err)
	assert.Zero(t, n)

	disabled := NewMaildir(Config{Path: t.TempDir()}, testLogger())
	n, err = disabled.Autoexpunge(ctx, mb)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBoltDeliverAndAutoexpunge(t *testing.T) {
	db, err := OpenBolt(Config{Path: filepath.Join(t.TempDir(), "mail.db"), Autoexpunge: time.Hour}, testLogger())
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()
	mb := Mailbox{Username: "user@example.com"}

	old := NewMessage("s", "sid1", time.Now().Add(-3*time.Hour), 3, func() io.Reader { return strings.NewReader("old") })
	require.NoError(t, db.Deliver(ctx, old, mb))
	require.NoError(t, db.Deliver(ctx, testMessage("fresh"), mb))

	msgs, err := db.Messages(mb.Username)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "old", string(msgs[0]))

	n, err := db.Autoexpunge(ctx, mb)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err = db.Messages(mb.Username)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("fresh")}, msgs)

	_, err = db.Messages("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltQuota(t *testing.T) {
	db, err := OpenBolt(Config{Path: filepath.Join(t.TempDir(), "mail.db")}, testLogger())
	require.NoError(t, err)
	defer db.Close()
	mb := Mailbox{Username: "u", Fields: authdb.ParseFields([]string{"quota_rule=*:storage=10"})}

	require.NoError(t, db.Deliver(context.Background(), testMessage("12345678"), mb))
	err = db.Deliver(context.Background(), testMessage(string(bytes.Repeat([]byte("x"), 5))), mb)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestNewStorage(t *testing.T) {
	s, err := New(Config{Type: "maildir", Path: t.TempDir()}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &Maildir{}, s)

	_, err = New(Config{Type: "mbox"}, testLogger())
	assert.Error(t, err)
}

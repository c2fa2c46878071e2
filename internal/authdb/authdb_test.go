package authdb

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseFields(t *testing.T) {
	fields := ParseFields([]string{"proxy", "host=10.0.0.2", " PORT=24 ", ""})
	require.Len(t, fields, 3)

	v, ok := fields.Get("host")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.2", v)
	assert.True(t, fields.Has("proxy"))
	assert.True(t, fields.Has("port"))
	assert.False(t, fields.Has("hostip"))
	assert.Equal(t, []string{"proxy", "host=10.0.0.2", "port=24"}, fields.Strings())
}

func TestExpand(t *testing.T) {
	req := Request{
		Username: "user@example.com",
		Service:  "lmtp",
		LocalIP:  net.ParseIP("192.0.2.1"),
	}
	quoteAll := func(s string) string { return "[" + s + "]" }

	assert.Equal(t, "[user@example.com] [user] [example.com] [lmtp] [192.0.2.1] [] 100% %x",
		expand("%u %n %d %s %l %r 100%% %x", req, quoteAll))
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users")
	content := `# comment
user@example.com:{PLAIN}secret:1000:1000::/home/user::quota_rule=*:storage=1024
proxied@example.com::::::: proxy host=10.0.0.2 port=24
disabled@example.com::::::: nologin reason=Account_suspended
malformed
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	src, err := NewFile(path, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	fields, err := src.Lookup(ctx, Request{Username: "User@Example.com"})
	require.NoError(t, err)
	uid, _ := fields.Get("uid")
	home, _ := fields.Get("home")
	quota, _ := fields.Get("quota_rule")
	assert.Equal(t, "1000", uid)
	assert.Equal(t, "/home/user", home)
	assert.Equal(t, "*:storage=1024", quota)

	fields, err = src.Lookup(ctx, Request{Username: "proxied@example.com"})
	require.NoError(t, err)
	assert.True(t, fields.Has("proxy"))

	_, err = src.Lookup(ctx, Request{Username: "disabled@example.com"})
	var lookupErr *LookupError
	require.True(t, errors.As(err, &lookupErr))
	assert.Equal(t, "Account_suspended", lookupErr.Message)

	_, err = src.Lookup(ctx, Request{Username: "nobody@example.com"})
	assert.ErrorIs(t, err, ErrNotFound)

	// Rewrites are picked up on the next lookup.
	require.NoError(t, os.WriteFile(path, []byte("nobody@example.com::1:1::/tmp::\n"), 0600))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	_, err = src.Lookup(ctx, Request{Username: "nobody@example.com"})
	assert.NoError(t, err)
	_, err = src.Lookup(ctx, Request{Username: "user@example.com"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStaticSource(t *testing.T) {
	ctx := context.Background()

	src := NewStatic(ParseFields([]string{"uid=500"}))
	src.AddUser("special@example.com", ParseFields([]string{"uid=600"}))
	src.Fail("broken@example.com", &LookupError{Message: "451 4.3.0 Backend down"})

	fields, err := src.Lookup(ctx, Request{Username: "anyone@example.com"})
	require.NoError(t, err)
	uid, _ := fields.Get("uid")
	assert.Equal(t, "500", uid)

	fields, err = src.Lookup(ctx, Request{Username: "special@example.com"})
	require.NoError(t, err)
	uid, _ = fields.Get("uid")
	assert.Equal(t, "600", uid)

	_, err = src.Lookup(ctx, Request{Username: "broken@example.com"})
	var lookupErr *LookupError
	assert.True(t, errors.As(err, &lookupErr))

	empty := NewStatic(nil)
	_, err = empty.Lookup(ctx, Request{Username: "anyone@example.com"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewWithDefaults(t *testing.T) {
	src, err := New(Config{
		Type:          "static",
		Fields:        []string{"uid=500"},
		DefaultFields: []string{"uid=1", "gid=2"},
	}, testLogger())
	require.NoError(t, err)

	fields, err := src.Lookup(context.Background(), Request{Username: "u"})
	require.NoError(t, err)
	assert.Equal(t, []string{"uid=500", "gid=2"}, fields.Strings())

	none, err := New(Config{}, testLogger())
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = New(Config{Type: "carrier-pigeon"}, testLogger())
	assert.Error(t, err)
}

func TestSQLiteSource(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "users.db")
	src, err := NewSQL(Config{
		Type:  "sqlite",
		DSN:   dbPath,
		Query: "SELECT uid, gid, home, proxy, host FROM users WHERE username = %u",
	}, testLogger())
	require.NoError(t, err)
	defer src.Close()

	ctx := context.Background()
	db, err := src.connect(ctx)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE users (username TEXT, uid INTEGER, gid INTEGER, home TEXT, proxy TEXT, host TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users VALUES ('local@example.com', 1000, 1000, '/home/local', NULL, NULL),
		('remote@example.com', NULL, NULL, NULL, 'y', 'backend.example.com')`)
	require.NoError(t, err)

	fields, err := src.Lookup(ctx, Request{Username: "local@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"uid=1000", "gid=1000", "home=/home/local"}, fields.Strings())

	fields, err = src.Lookup(ctx, Request{Username: "remote@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"proxy=y", "host=backend.example.com"}, fields.Strings())

	// Injection attempts are bound as plain values.
	_, err = src.Lookup(ctx, Request{Username: "' OR '1'='1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLBindPlaceholders(t *testing.T) {
	pg, err := NewSQL(Config{Type: "postgres", DSN: "postgres://localhost/mail", Query: "SELECT * FROM u WHERE name = %n AND domain = %d"}, testLogger())
	require.NoError(t, err)
	query, args := pg.bind(Request{Username: "a@b.example"})
	assert.Equal(t, "SELECT * FROM u WHERE name = $1 AND domain = $2", query)
	assert.Equal(t, []any{"a", "b.example"}, args)

	my, err := NewSQL(Config{Type: "mysql", DSN: "u:p@/mail", Query: "SELECT * FROM u WHERE email = %u"}, testLogger())
	require.NoError(t, err)
	query, args = my.bind(Request{Username: "a@b.example"})
	assert.Equal(t, "SELECT * FROM u WHERE email = ?", query)
	assert.Equal(t, []any{"a@b.example"}, args)

	_, err = NewSQL(Config{Type: "postgres"}, testLogger())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLDAPConfig(t *testing.T) {
	_, err := NewLDAP(Config{Type: "ldap"}, testLogger())
	assert.ErrorIs(t, err, ErrInvalidInput)

	src, err := NewLDAP(Config{Type: "ldap", Host: "ldap.example.com", BaseDN: "dc=example,dc=com"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "ldap://ldap.example.com:389", src.url)

	key, ok := src.mapAttribute("HOMEDIRECTORY")
	assert.True(t, ok)
	assert.Equal(t, "home", key)
	_, ok = src.mapAttribute("cn")
	assert.False(t, ok)
}

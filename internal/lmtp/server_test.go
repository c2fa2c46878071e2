package lmtp

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-lmtp/internal/admission"
	"github.com/busybox42/elemta-lmtp/internal/authdb"
	"github.com/busybox42/elemta-lmtp/internal/privilege"
	"github.com/busybox42/elemta-lmtp/internal/routing"
	"github.com/busybox42/elemta-lmtp/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv is a running server with in-process user databases and a
// maildir store under a temporary directory.
type testEnv struct {
	server  *Server
	passdb  *authdb.Static
	userdb  *authdb.Static
	mailDir string
}

type testOption func(*Config, *Backends)

func withTrusted(cidrs ...string) testOption {
	return func(cfg *Config, _ *Backends) {
		nets, err := ParseNetworks(cidrs)
		if err != nil {
			panic(err)
		}
		cfg.TrustedNetworks = nets
	}
}

func newTestEnv(t *testing.T, opts ...testOption) *testEnv {
	t.Helper()
	env := &testEnv{
		passdb:  authdb.NewStatic(nil),
		userdb:  authdb.NewStatic(nil),
		mailDir: t.TempDir(),
	}

	router, err := routing.New(routing.Config{Delimiters: "+", Proxy: true}, env.passdb, env.userdb, testLogger())
	require.NoError(t, err)

	cfg := &Config{
		Hostname:         "mx.test",
		ListenAddr:       "127.0.0.1:0",
		TempDir:          t.TempDir(),
		MaxInMemorySize:  1024,
		IdleTimeout:      5 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
	}
	backends := Backends{
		Router:     router,
		Storage:    store.NewMaildir(store.Config{Path: env.mailDir, Hostname: "mx.test"}, testLogger()),
		Privileges: privilege.Noop{},
	}
	for _, opt := range opts {
		opt(cfg, &backends)
	}

	env.server, err = NewServer(cfg, backends, testLogger())
	require.NoError(t, err)
	require.NoError(t, env.server.Start())
	t.Cleanup(func() { env.server.Close() })
	return env
}

// readMessages returns the contents of every message in username's new/.
func (e *testEnv) readMessages(t *testing.T, username string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(e.mailDir, username, "new", "*"))
	require.NoError(t, err)
	var out []string
	for _, f := range files {
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		out = append(out, string(data))
	}
	return out
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (e *testEnv) dial(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", e.server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	c := &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
	assert.Equal(t, "220 mx.test Elemta LMTP ready", c.line())
	return c
}

func (c *testClient) send(raw string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(raw))
	require.NoError(c.t, err)
}

// line reads a single reply line.
func (c *testClient) line() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

// reply reads a complete, possibly multi-line, reply.
func (c *testClient) reply() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.line()
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			return lines
		}
	}
}

// cmd sends a command and returns the single-line reply.
func (c *testClient) cmd(line string) string {
	c.t.Helper()
	c.send(line + "\r\n")
	return c.line()
}

func TestNewServerRequiresBackends(t *testing.T) {
	_, err := NewServer(&Config{}, Backends{}, testLogger())
	assert.Error(t, err)

	router, err := routing.New(routing.Config{}, nil, authdb.NewStatic(nil), testLogger())
	require.NoError(t, err)
	_, err = NewServer(&Config{}, Backends{Router: router}, testLogger())
	assert.Error(t, err)
}

func TestServerStartTwice(t *testing.T) {
	env := newTestEnv(t)
	assert.Error(t, env.server.Start())
	assert.NotNil(t, env.server.Addr())
}

func TestServerIsTrusted(t *testing.T) {
	env := newTestEnv(t, withTrusted("10.0.0.0/8", "192.0.2.1"))

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.0.2.1", true},
		{"192.0.2.2", false},
		{"::1", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, env.server.isTrusted(net.ParseIP(tt.ip)))
		})
	}
	assert.False(t, env.server.isTrusted(nil))
}

func TestServerShutdownNotifiesClients(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	assert.Equal(t, "250 2.0.0 OK", c.cmd("NOOP"))

	done := make(chan error, 1)
	go func() { done <- env.server.Close() }()

	assert.Equal(t, "421 4.3.2 mx.test Server shutting down", c.line())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	_, err := net.DialTimeout("tcp", env.server.Addr().String(), time.Second)
	assert.Error(t, err)
}

func TestServerAdmissionGate(t *testing.T) {
	counter := admission.NewMemory()
	gate := admission.NewGate(counter, admission.GateConfig{Limit: 1}, testLogger())
	env := newTestEnv(t, func(_ *Config, b *Backends) { b.Gate = gate })
	env.userdb.AddUser("alice@example.com", authdb.ParseFields([]string{"quota_rule=*:storage=1M"}))
	env.userdb.AddUser("carol@example.com", nil)

	_, err := counter.Incr(context.Background(), gate.Key("alice@example.com"))
	require.NoError(t, err)

	c := env.dial(t)
	assert.Equal(t, "250 2.1.0 OK", c.cmd("MAIL FROM:<sender@example.org>"))
	assert.Equal(t, "451 4.3.0 <alice@example.com> Too many concurrent deliveries for user", c.cmd("RCPT TO:<alice@example.com>"))
	assert.Equal(t, "250 2.1.5 OK", c.cmd("RCPT TO:<carol@example.com>"))

	c.send("DATA\r\n")
	assert.Equal(t, "354 OK", c.line())
	c.send("Subject: gated\r\n\r\nhello\r\n.\r\n")
	assert.Regexp(t, `^250 2\.0\.0 <carol@example\.com> [0-9A-Z]{26} Saved$`, c.line())

	count, err := counter.Count(context.Background(), gate.Key("carol@example.com"))
	require.NoError(t, err)
	assert.Zero(t, count, "delivery slot released")
}

func TestServerStats(t *testing.T) {
	env := newTestEnv(t)
	st := env.server.Stats()
	assert.True(t, st.Listening)
	assert.Equal(t, env.server.Addr().String(), st.ListenAddr)
	assert.False(t, st.StartTLS)
	assert.Zero(t, st.TotalConnections)

	c := env.dial(t)
	assert.Equal(t, "250 2.0.0 OK", c.cmd("NOOP"))
	st = env.server.Stats()
	assert.Equal(t, int64(1), st.ActiveConnections)
	assert.Equal(t, int64(1), st.TotalConnections)

	require.NoError(t, env.server.Close())
	assert.False(t, env.server.Stats().Listening)
}

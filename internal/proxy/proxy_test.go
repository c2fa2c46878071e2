package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-lmtp/internal/address"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeServer is a scripted LMTP/SMTP server recording what it receives.
type fakeServer struct {
	t        *testing.T
	listener net.Listener
	smtp     bool
	xclient  bool
	rejectTo map[string]string
	failData map[string]string
	stall    bool

	mu       sync.Mutex
	commands []string
	bodies   []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{
		t:        t,
		listener: l,
		rejectTo: map[string]string{},
		failData: map[string]string{},
	}
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *fakeServer) start() {
	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
}

func (s *fakeServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) settings() Settings {
	proto := ProtocolLMTP
	if s.smtp {
		proto = ProtocolSMTP
	}
	return Settings{
		Host:     "127.0.0.1",
		HostIP:   net.ParseIP("127.0.0.1"),
		Port:     s.port(),
		Protocol: proto,
		Timeout:  2 * time.Second,
	}
}

func (s *fakeServer) record(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
}

func (s *fakeServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *fakeServer) Bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	reply := func(line string) {
		w.WriteString(line + "\r\n")
		w.Flush()
	}

	reply("220 backend.example.com ready")
	var rcpts []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.record(line)
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])

		switch verb {
		case "LHLO", "EHLO":
			reply("250-backend.example.com")
			if s.xclient {
				reply("250-XCLIENT ADDR PORT TTL TIMEOUT")
			}
			reply("250 PIPELINING")
		case "XCLIENT":
			reply("220 backend.example.com ready")
		case "MAIL":
			reply("250 2.1.0 OK")
		case "RCPT":
			addr := strings.TrimSuffix(strings.TrimPrefix(strings.Fields(line)[1], "TO:<"), ">")
			if msg, ok := s.rejectTo[addr]; ok {
				reply(msg)
				continue
			}
			rcpts = append(rcpts, addr)
			reply("250 2.1.5 OK")
		case "DATA":
			reply("354 OK")
			var body strings.Builder
			for {
				dl, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if dl == ".\r\n" {
					break
				}
				body.WriteString(dl)
			}
			s.mu.Lock()
			s.bodies = append(s.bodies, body.String())
			s.mu.Unlock()
			if s.stall {
				time.Sleep(5 * time.Second)
				return
			}
			if s.smtp {
				reply("250 2.0.0 Queued")
				continue
			}
			for _, rcpt := range rcpts {
				if msg, ok := s.failData[rcpt]; ok {
					reply(msg)
					continue
				}
				reply(fmt.Sprintf("250 2.0.0 <%s> Saved", rcpt))
			}
		case "QUIT":
			reply("221 2.0.0 Bye")
			return
		default:
			reply("500 5.5.1 Unknown command")
		}
	}
}

func addr(s string) address.Address {
	a, err := address.ParseUsername(s)
	if err != nil {
		panic(err)
	}
	return a
}

func newTestProxy(opts Options) *Proxy {
	if opts.MyHostname == "" {
		opts.MyHostname = "mx.example.com"
	}
	opts.Logger = testLogger()
	p := New(opts)
	p.MailFrom(addr("sender@example.com"), address.MailParams{})
	return p
}

func body() io.Reader {
	return strings.NewReader("Subject: test\r\n\r\n.leading dot\r\nbody\r\n")
}

func TestProxySingleLegLMTP(t *testing.T) {
	srv := newFakeServer(t)
	srv.rejectTo["bad@example.com"] = "550 5.1.1 <bad@example.com> User unknown"
	srv.failData["full@example.com"] = "552 5.2.2 <full@example.com> Mailbox full"
	srv.start()

	ctx := context.Background()
	p := newTestProxy(Options{TTL: 4})
	for _, rcpt := range []string{"a@example.com", "bad@example.com", "full@example.com", "b@example.com"} {
		require.NoError(t, p.AddRcpt(ctx, addr(rcpt), address.RcptParams{}, srv.settings()))
	}
	assert.Equal(t, 4, p.Recipients())

	results := p.Start(ctx, body)
	require.Len(t, results, 4)
	assert.Equal(t, "250 2.0.0 <a@example.com> Saved", results[0].Reply)
	assert.Equal(t, "550 5.1.1 <bad@example.com> User unknown", results[1].Reply)
	assert.Equal(t, "552 5.2.2 <full@example.com> Mailbox full", results[2].Reply)
	assert.Equal(t, "250 2.0.0 <b@example.com> Saved", results[3].Reply)
	assert.Equal(t, "b@example.com", results[3].Address.Encode())

	bodies := srv.Bodies()
	require.Len(t, bodies, 1)
	assert.Equal(t, "Subject: test\r\n\r\n..leading dot\r\nbody\r\n", bodies[0])

	cmds := srv.Commands()
	assert.Equal(t, "LHLO mx.example.com", cmds[0])
	assert.Equal(t, "MAIL FROM:<sender@example.com>", cmds[1])
	// A single connection serves every recipient of the destination.
	assert.Equal(t, 1, countPrefix(cmds, "LHLO"))
}

func countPrefix(cmds []string, prefix string) int {
	n := 0
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestProxySMTPLegSharesReply(t *testing.T) {
	srv := newFakeServer(t)
	srv.smtp = true
	srv.start()

	ctx := context.Background()
	p := newTestProxy(Options{})
	require.NoError(t, p.AddRcpt(ctx, addr("a@example.com"), address.RcptParams{}, srv.settings()))
	require.NoError(t, p.AddRcpt(ctx, addr("b@example.com"), address.RcptParams{}, srv.settings()))

	results := p.Start(ctx, body)
	require.Len(t, results, 2)
	assert.Equal(t, "250 2.0.0 Queued", results[0].Reply)
	assert.Equal(t, "250 2.0.0 Queued", results[1].Reply)
	assert.Equal(t, "EHLO mx.example.com", srv.Commands()[0])
}

func TestProxyMultipleLegsKeepRcptOrder(t *testing.T) {
	srv1 := newFakeServer(t)
	srv2 := newFakeServer(t)
	srv2.failData["c@example.com"] = "451 4.2.0 <c@example.com> Try later"
	srv1.start()
	srv2.start()

	ctx := context.Background()
	p := newTestProxy(Options{})
	require.NoError(t, p.AddRcpt(ctx, addr("a@example.com"), address.RcptParams{}, srv1.settings()))
	require.NoError(t, p.AddRcpt(ctx, addr("c@example.com"), address.RcptParams{}, srv2.settings()))
	require.NoError(t, p.AddRcpt(ctx, addr("b@example.com"), address.RcptParams{}, srv1.settings()))

	results := p.Start(ctx, body)
	require.Len(t, results, 3)
	assert.Equal(t, "250 2.0.0 <a@example.com> Saved", results[0].Reply)
	assert.Equal(t, "451 4.2.0 <c@example.com> Try later", results[1].Reply)
	assert.Equal(t, "250 2.0.0 <b@example.com> Saved", results[2].Reply)
	assert.Len(t, srv1.Bodies(), 1)
	assert.Len(t, srv2.Bodies(), 1)
}

func TestProxyForwardsXCLIENT(t *testing.T) {
	srv := newFakeServer(t)
	srv.xclient = true
	srv.start()

	ctx := context.Background()
	p := newTestProxy(Options{
		SourceIP:   net.ParseIP("2001:db8::1"),
		SourcePort: 40000,
		TTL:        4,
	})
	require.NoError(t, p.AddRcpt(ctx, addr("a@example.com"), address.RcptParams{}, srv.settings()))
	p.Start(ctx, body)

	cmds := srv.Commands()
	assert.Contains(t, cmds, "XCLIENT ADDR=IPV6:2001:db8::1 PORT=40000 TTL=4 TIMEOUT=2")
	assert.Equal(t, 2, countPrefix(cmds, "LHLO"))
}

func TestProxyConnectFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	p := newTestProxy(Options{})
	set := Settings{Host: "127.0.0.1", HostIP: net.ParseIP("127.0.0.1"), Port: port, Timeout: time.Second}
	assert.Error(t, p.AddRcpt(context.Background(), addr("a@example.com"), address.RcptParams{}, set))
	// The failed destination is remembered.
	assert.Error(t, p.AddRcpt(context.Background(), addr("b@example.com"), address.RcptParams{}, set))
	assert.Equal(t, 0, p.Recipients())
	assert.Empty(t, p.Start(context.Background(), body))
}

func TestProxyTimeout(t *testing.T) {
	srv := newFakeServer(t)
	srv.stall = true
	srv.start()

	ctx := context.Background()
	p := newTestProxy(Options{})
	set := srv.settings()
	set.Timeout = 200 * time.Millisecond
	require.NoError(t, p.AddRcpt(ctx, addr("a@example.com"), address.RcptParams{}, set))

	results := p.Start(ctx, body)
	require.Len(t, results, 1)
	assert.Equal(t, "451 4.4.2 <a@example.com> Remote server not answering (timeout)", results[0].Reply)
}

func TestProtocol(t *testing.T) {
	p, err := ParseProtocol("SMTP")
	require.NoError(t, err)
	assert.Equal(t, ProtocolSMTP, p)
	assert.Equal(t, 25, p.DefaultPort())
	assert.Equal(t, 24, ProtocolLMTP.DefaultPort())
	assert.Equal(t, "lmtp", ProtocolLMTP.String())

	_, err = ParseProtocol("imap")
	assert.Error(t, err)
}

func TestReplyString(t *testing.T) {
	r := &reply{code: 250, lines: []string{"first", "2.0.0 last"}}
	assert.Equal(t, "250 2.0.0 last", r.String())
	assert.True(t, r.positive())
	assert.Equal(t, "421", (&reply{code: 421}).String())
}

func TestResolverLiteral(t *testing.T) {
	r := NewResolver("", time.Second)
	ip, err := r.LookupIP(context.Background(), "192.0.2.7")
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", ip.String())

	var nilResolver *Resolver
	ip, err = nilResolver.LookupIP(context.Background(), "::1")
	require.NoError(t, err)
	assert.True(t, ip.IsLoopback())

	assert.Equal(t, []string{"10.0.0.53:53"}, NewResolver("10.0.0.53", 0).servers)
}

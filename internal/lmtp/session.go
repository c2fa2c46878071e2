package lmtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// errCloseSession ends the session after the current reply.
	errCloseSession = errors.New("session closed")
	errLineTooLong  = errors.New("line too long")
)

// Session is one client connection. All of its state is owned by the
// goroutine running Handle.
type Session struct {
	server   *Server
	config   *Config
	backends *Backends
	metrics  *Metrics
	logger   *slog.Logger

	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	id         string
	localIP    net.IP
	localPort  int
	remoteIP   net.IP
	remotePort int

	// lhlo is the name the client announced, "missing" until LHLO and
	// "invalid" when it failed validation.
	lhlo     string
	tlsState *tls.ConnectionState

	// ttl is the proxy hop count; XCLIENT TTL= overrides it.
	ttl int
	// proxyTimeout is the client's XCLIENT TIMEOUT=, zero when not given.
	proxyTimeout time.Duration

	txn     *Transaction
	pending *pendingRcpt
	quit    bool

	startTime time.Time
	messages  int
	commands  int
}

func newSession(server *Server, conn net.Conn) *Session {
	id := uuid.New().String()
	s := &Session{
		server:    server,
		config:    server.config,
		backends:  &server.backends,
		metrics:   server.metrics,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		id:        id,
		lhlo:      "missing",
		ttl:       server.config.ProxyTTL,
		startTime: time.Now(),
	}
	s.localIP, s.localPort = splitAddr(conn.LocalAddr())
	s.remoteIP, s.remotePort = splitAddr(conn.RemoteAddr())
	s.logger = server.logger.With(
		"component", "lmtp-session",
		"session_id", id,
		"remote_addr", conn.RemoteAddr().String(),
	)
	return s
}

func splitAddr(addr net.Addr) (net.IP, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP, tcp.Port
	}
	return nil, 0
}

// Handle runs the session until the client quits, the connection fails or
// ctx is cancelled.
func (s *Session) Handle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Session panic recovered",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("session panic: %v", r)
		}
		s.cleanup()
		s.logSessionSummary()
	}()

	s.logger.Info("Connection accepted", "trusted", s.trusted())
	if err := s.reply("220 %s %s", s.config.Hostname, s.config.LoginGreeting); err != nil {
		return fmt.Errorf("failed to send greeting: %w", err)
	}

	for !s.quit {
		if s.pending != nil {
			if err := s.resolvePending(ctx); err != nil {
				return s.shutdown(ctx, err)
			}
			continue
		}

		line, err := s.readLine(ctx)
		switch {
		case err == nil:
		case errors.Is(err, errLineTooLong):
			s.logger.Warn("Command line too long", "limit", s.config.MaxLineLength)
			if err := s.reply("500 5.5.2 Line too long"); err != nil {
				return err
			}
			continue
		default:
			return s.shutdown(ctx, err)
		}

		if err := s.dispatch(ctx, line); err != nil {
			if errors.Is(err, errCloseSession) {
				return nil
			}
			if werr := s.writeError(err); werr != nil {
				return werr
			}
		}
	}
	return nil
}

// shutdown turns a read failure into the session's final reply.
func (s *Session) shutdown(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		s.logger.Info("Disconnecting for server shutdown")
		_ = s.reply("421 4.3.2 %s Server shutting down", s.config.Hostname)
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.logger.Info("Disconnected for inactivity", "idle_timeout", s.config.IdleTimeout)
		_ = s.reply("421 4.4.2 %s Disconnected for inactivity", s.config.Hostname)
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		s.logger.Info("Client disconnected")
		return nil
	}
	return fmt.Errorf("connection failed: %w", err)
}

// readLine reads one command line without its line ending. Lines longer
// than MaxLineLength are consumed and reported as errLineTooLong.
func (s *Session) readLine(ctx context.Context) (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
		s.logger.Debug("Failed to set read deadline", "error", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if len(line)+len(chunk) > s.config.MaxLineLength+2 {
			tooLong = true
			line = line[:0]
		} else if !tooLong {
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}
	if tooLong {
		return "", errLineTooLong
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// reply writes a single reply line and flushes it.
func (s *Session) reply(format string, args ...any) error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if _, err := s.writer.WriteString(msg + "\r\n"); err != nil {
		return fmt.Errorf("failed to write reply: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush reply: %w", err)
	}
	s.logger.Debug("Reply sent", "reply", msg)
	return nil
}

// writeError answers a failed command. Errors that are not replies are
// logged and reported as an internal error.
func (s *Session) writeError(err error) error {
	var r *Reply
	if errors.As(err, &r) {
		return s.reply("%s", r.String())
	}
	s.logger.Error("Command failed", "error", err)
	return s.reply("%s", replyInternalError.String())
}

// trusted reports whether the current client address may use XCLIENT.
func (s *Session) trusted() bool {
	return s.server.isTrusted(s.remoteIP)
}

// resetTransaction drops the current envelope and any pending recipient.
func (s *Session) resetTransaction(reason string) {
	if s.pending != nil {
		s.pending.query.Cancel()
		s.pending = nil
	}
	if s.txn == nil {
		return
	}
	s.logger.Debug("Transaction reset",
		"txn_id", s.txn.ID,
		"reason", reason,
		"recipients", s.txn.recipientCount(),
	)
	s.txn.close()
	s.txn = nil
}

func (s *Session) cleanup() {
	s.resetTransaction("disconnect")
}

func (s *Session) logSessionSummary() {
	s.logger.Info("Session completed",
		"duration", time.Since(s.startTime),
		"lhlo", s.lhlo,
		"commands", s.commands,
		"messages", s.messages,
		"tls", s.tlsState != nil,
	)
}

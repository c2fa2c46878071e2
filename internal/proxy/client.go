package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// reply is a complete, possibly multi-line, server reply.
type reply struct {
	code  int
	lines []string
}

func (r *reply) positive() bool {
	return r.code >= 200 && r.code < 400
}

// String returns the final reply line in "code text" form.
func (r *reply) String() string {
	text := ""
	if len(r.lines) > 0 {
		text = r.lines[len(r.lines)-1]
	}
	if text == "" {
		return strconv.Itoa(r.code)
	}
	return strconv.Itoa(r.code) + " " + text
}

// client is one connection to a remote LMTP or SMTP server.
type client struct {
	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	timeout    time.Duration
	logger     *slog.Logger
	extensions map[string]string
}

func newClient(conn net.Conn, timeout time.Duration, logger *slog.Logger) *client {
	return &client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		timeout: timeout,
		logger:  logger,
	}
}

func (c *client) extendDeadline() {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		c.logger.Warn("Failed to set connection deadline", "error", err)
	}
}

// readReply reads one reply, following "xyz-" continuation lines.
func (c *client) readReply() (*reply, error) {
	c.extendDeadline()
	r := &reply{}
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		c.logger.Debug("Remote response", "response", line)

		if len(line) < 3 {
			return nil, fmt.Errorf("malformed response: %q", line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil || code < 100 || code > 599 {
			return nil, fmt.Errorf("malformed response: %q", line)
		}
		if r.code != 0 && code != r.code {
			return nil, fmt.Errorf("inconsistent multi-line response: %q", line)
		}
		r.code = code

		text, more := "", false
		if len(line) > 3 {
			switch line[3] {
			case '-':
				more = true
			case ' ':
			default:
				return nil, fmt.Errorf("malformed response: %q", line)
			}
			text = line[4:]
		}
		r.lines = append(r.lines, text)
		if !more {
			return r, nil
		}
	}
}

// cmd sends one command line and reads the reply.
func (c *client) cmd(format string, args ...any) (*reply, error) {
	line := fmt.Sprintf(format, args...)
	c.logger.Debug("Remote command", "command", line)

	c.extendDeadline()
	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush command: %w", err)
	}
	return c.readReply()
}

// greeting reads the initial 220 banner.
func (c *client) greeting() error {
	r, err := c.readReply()
	if err != nil {
		return fmt.Errorf("failed to read server greeting: %w", err)
	}
	if r.code != 220 {
		return fmt.Errorf("unexpected server greeting: %s", r)
	}
	return nil
}

// hello sends LHLO or EHLO and records the advertised extensions.
func (c *client) hello(verb, hostname string) error {
	r, err := c.cmd("%s %s", verb, hostname)
	if err != nil {
		return fmt.Errorf("%s failed: %w", verb, err)
	}
	if r.code != 250 {
		return fmt.Errorf("server rejected %s: %s", verb, r)
	}
	c.extensions = make(map[string]string)
	for _, line := range r.lines[1:] {
		keyword, params, _ := strings.Cut(line, " ")
		c.extensions[strings.ToUpper(keyword)] = params
	}
	return nil
}

func (c *client) supports(ext string) (string, bool) {
	params, ok := c.extensions[ext]
	return params, ok
}

// data streams body to the server with dot-stuffing and the terminating
// "." line.
func (c *client) data(body io.Reader) error {
	c.extendDeadline()
	w := textproto.NewWriter(c.writer).DotWriter()
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			c.extendDeadline()
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write message data: %w", werr)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read message data: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to send end-of-data marker: %w", err)
	}
	return nil
}

// watch forces pending I/O to fail once ctx is done. The returned func
// stops watching.
func (c *client) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
}

func (c *client) quit() {
	if _, err := c.cmd("QUIT"); err != nil {
		c.logger.Debug("QUIT command failed", "error", err)
	}
}

func (c *client) close() {
	_ = c.conn.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

package lmtp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/elemta-lmtp/internal/address"
)

// dispatch runs one command line.
func (s *Session) dispatch(ctx context.Context, line string) error {
	verb, args, _ := strings.Cut(line, " ")
	verb = strings.ToUpper(verb)
	s.commands++

	s.logger.Debug("Command received", "command", verb)

	var err error
	switch verb {
	case "LHLO":
		err = s.handleLHLO(args)
	case "STARTTLS":
		err = s.handleSTARTTLS(ctx)
	case "MAIL":
		err = s.handleMAIL(ctx, args)
	case "RCPT":
		err = s.handleRCPT(ctx, args)
	case "DATA":
		err = s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction("RSET")
		err = s.reply("%s", replyOK.String())
	case "NOOP":
		err = s.reply("%s", replyOK.String())
	case "QUIT":
		s.quit = true
		err = s.reply("221 2.0.0 OK")
	case "VRFY":
		err = s.reply("252 2.3.3 Try RCPT instead")
	case "XCLIENT":
		err = s.handleXCLIENT(args)
	default:
		verb = "UNKNOWN"
		err = replyUnknown
	}

	s.metrics.Commands.WithLabelValues(verb, commandResult(err)).Inc()
	return err
}

func commandResult(err error) string {
	if err == nil {
		return KindSuccess.String()
	}
	var r *Reply
	if errors.As(err, &r) {
		return r.Kind().String()
	}
	return "error"
}

// handleLHLO announces the server's capabilities and starts over.
func (s *Session) handleLHLO(args string) error {
	if args == "" {
		return &Reply{Code: 501, Text: "Missing hostname", kind: KindSyntaxError}
	}
	if validHelo(args) {
		s.lhlo = args
	} else {
		s.lhlo = "invalid"
	}
	s.resetTransaction("LHLO")

	lines := []string{s.config.Hostname}
	if s.server.tlsManager != nil && s.tlsState == nil {
		lines = append(lines, "STARTTLS")
	}
	if s.trusted() {
		lines = append(lines, "XCLIENT ADDR PORT TTL TIMEOUT")
	}
	lines = append(lines, "8BITMIME", "ENHANCEDSTATUSCODES", "PIPELINING")

	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if _, err := s.writer.WriteString("250" + sep + line + "\r\n"); err != nil {
			return err
		}
	}
	return s.writer.Flush()
}

// validHelo accepts a dot-atom or an address literal.
func validHelo(s string) bool {
	if strings.HasPrefix(s, "[") {
		inner, ok := strings.CutSuffix(s[1:], "]")
		return ok && !strings.ContainsAny(inner, "[\\")
	}
	return address.IsDotAtom(s)
}

// handleSTARTTLS upgrades the connection. A failed handshake ends the
// session since the stream state is unknown.
func (s *Session) handleSTARTTLS(ctx context.Context) error {
	if s.tlsState != nil {
		return NewReply(443, "5.5.1", "TLS is already active.")
	}
	if s.server.tlsManager == nil {
		return NewReply(454, "4.7.0", "Internal error, TLS not available.")
	}
	if err := s.reply("220 2.0.0 Begin TLS negotiation now."); err != nil {
		return err
	}

	tlsConn, err := s.server.tlsManager.WrapConnection(ctx, s.conn, s.config.HandshakeTimeout)
	if err != nil {
		s.metrics.TLSHandshakeFailures.Inc()
		s.logger.Warn("STARTTLS failed", "error", err)
		return errCloseSession
	}

	state := tlsConn.ConnectionState()
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsState = &state
	s.resetTransaction("STARTTLS")
	s.lhlo = "missing"

	s.metrics.TLSConnections.Inc()
	s.logger.Info("TLS established", "security", securityString(state))
	return nil
}

// handleMAIL starts a transaction.
func (s *Session) handleMAIL(ctx context.Context, args string) error {
	if s.txn != nil {
		return badSequence("MAIL already given")
	}
	rest, ok := cutPrefixFold(args, "FROM:")
	if !ok {
		return syntaxError("Invalid parameters")
	}

	sender, rest, err := address.Parse(rest, address.AllowEmpty)
	if err != nil {
		return syntaxError("Invalid FROM: %s", err.Error())
	}
	params, err := address.ParseMailParams(rest)
	if err != nil {
		return paramError(err)
	}

	s.txn = newTransaction(sender, params)
	if s.backends.Gate.Enabled() {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = s.backends.Gate.Warmup(wctx)
		cancel()
	}

	s.logger.Info("Transaction started", "txn_id", s.txn.ID, "from", sender.Encode())
	return s.reply("250 2.1.0 OK")
}

// paramError maps a parameter parse failure to its reply.
func paramError(err error) error {
	if errors.Is(err, address.ErrNotSupported) {
		return notSupported("%s", err.Error())
	}
	return syntaxError("%s", err.Error())
}

// xclientArgs are the XCLIENT fields the client sent. port and ttl are -1
// when absent; timeout is zero.
type xclientArgs struct {
	ip      net.IP
	port    int
	ttl     int
	timeout time.Duration
}

// parseXclient reads space-separated KEY=VALUE fields. Unknown keys and
// fields without a value are ignored.
func parseXclient(args string) (xclientArgs, error) {
	x := xclientArgs{port: -1, ttl: -1}
	for _, arg := range strings.Split(args, " ") {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			continue
		}
		switch strings.ToUpper(key) {
		case "ADDR":
			addr, isV6 := cutPrefixFold(value, "IPV6:")
			x.ip = net.ParseIP(addr)
			if x.ip == nil || (isV6 && x.ip.To4() != nil) {
				return x, invalidXclient()
			}
		case "PORT":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 || n > 65535 {
				return x, invalidXclient()
			}
			x.port = n
		case "TTL":
			n, err := strconv.ParseUint(value, 10, 31)
			if err != nil {
				return x, invalidXclient()
			}
			x.ttl = int(n)
		case "TIMEOUT":
			n, err := strconv.ParseUint(value, 10, 31)
			if err != nil {
				return x, invalidXclient()
			}
			x.timeout = time.Duration(n) * time.Second
		}
	}
	return x, nil
}

// handleXCLIENT lets a trusted proxy in front of us pass on the real client
// address and the remaining hop budget. Each XCLIENT replaces the proxy
// timeout, so one without TIMEOUT= clears it.
func (s *Session) handleXCLIENT(args string) error {
	if !s.trusted() {
		return notTrusted()
	}

	x, err := parseXclient(args)
	if err != nil {
		return err
	}

	s.resetTransaction("XCLIENT")
	if x.ip != nil {
		s.remoteIP = x.ip
	}
	if x.port >= 0 {
		s.remotePort = x.port
	}
	if x.ttl >= 0 {
		s.ttl = x.ttl
	}
	s.proxyTimeout = x.timeout

	s.logger.Info("XCLIENT applied",
		"remote_ip", s.remoteIP.String(),
		"remote_port", s.remotePort,
		"ttl", s.ttl,
		"proxy_timeout", s.proxyTimeout,
	)
	return s.reply("220 %s %s", s.config.Hostname, s.config.LoginGreeting)
}

func invalidXclient() *Reply {
	return &Reply{Code: 501, Text: "Invalid parameters", kind: KindSyntaxError}
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// Package routing decides whether a recipient is delivered locally or
// forwarded to another server.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/elemta-lmtp/internal/address"
	"github.com/busybox42/elemta-lmtp/internal/authdb"
	"github.com/busybox42/elemta-lmtp/internal/proxy"
	"github.com/busybox42/elemta-lmtp/internal/store"
)

// Kind is the delivery path chosen for a recipient.
type Kind int

const (
	Local Kind = iota
	Proxy
)

func (k Kind) String() string {
	if k == Proxy {
		return "proxy"
	}
	return "local"
}

// Request is one recipient to resolve together with the session context
// the lookups are scoped by.
type Request struct {
	Address    address.Address
	Params     address.RcptParams
	LocalIP    net.IP
	LocalPort  int
	RemoteIP   net.IP
	RemotePort int
	// TTL is the session's remaining hop count.
	TTL       int
	SessionID string
}

// Decision is the outcome of a successful resolution.
type Decision struct {
	Kind Kind
	// Address is the final recipient address. It differs from the request
	// address when passdb renamed the user.
	Address  address.Address
	Username string
	Detail   string
	Delim    rune
	// Mailbox is set for local recipients.
	Mailbox store.Mailbox
	// Settings is set for proxied recipients.
	Settings proxy.Settings
}

// Rejection is a recipient failure that is reported to the client.
type Rejection struct {
	Code     int
	Enhanced string
	Text     string
}

func (r *Rejection) Error() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(r.Code))
	if r.Enhanced != "" {
		b.WriteString(" " + r.Enhanced)
	}
	if r.Text != "" {
		b.WriteString(" " + r.Text)
	}
	return b.String()
}

// Temporary reports whether the client may retry later.
func (r *Rejection) Temporary() bool {
	return r.Code >= 400 && r.Code < 500
}

func reject(code int, enhanced, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Enhanced: enhanced, Text: fmt.Sprintf(format, args...)}
}

// rejectLine turns a lookup failure message into a rejection. Messages
// that already carry a reply code are kept as they are.
func rejectLine(msg string) *Rejection {
	if len(msg) >= 4 && msg[3] == ' ' {
		if code, err := strconv.Atoi(msg[:3]); err == nil && code >= 400 && code < 600 {
			rest := msg[4:]
			enhanced, text, _ := strings.Cut(rest, " ")
			if isEnhancedCode(enhanced) {
				return &Rejection{Code: code, Enhanced: enhanced, Text: text}
			}
			return &Rejection{Code: code, Text: rest}
		}
	}
	return &Rejection{Code: 451, Enhanced: "4.3.0", Text: msg}
}

func isEnhancedCode(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 || (parts[0] != "2" && parts[0] != "4" && parts[0] != "5") {
		return false
	}
	for _, p := range parts[1:] {
		if _, err := strconv.Atoi(p); err != nil || len(p) > 3 {
			return false
		}
	}
	return true
}

// Config controls resolution.
type Config struct {
	// Delimiters separates the detail from the base local part.
	Delimiters string
	// Proxy enables the passdb lookup for proxy directives.
	Proxy bool
	// ProxyTimeout is the per-leg timeout when passdb sets none.
	ProxyTimeout time.Duration
	// Service is passed to lookups.
	Service string
}

// Resolver resolves recipients against passdb and userdb.
type Resolver struct {
	cfg    Config
	passdb authdb.Source
	userdb authdb.Source
	logger *slog.Logger
}

// New creates a resolver. passdb may be nil when proxying is disabled.
func New(cfg Config, passdb, userdb authdb.Source, logger *slog.Logger) (*Resolver, error) {
	if userdb == nil {
		return nil, fmt.Errorf("routing: userdb is required")
	}
	if cfg.Proxy && passdb == nil {
		return nil, fmt.Errorf("routing: proxy enabled without passdb")
	}
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = proxy.DefaultTimeout
	}
	if cfg.Service == "" {
		cfg.Service = "lmtp"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cfg:    cfg,
		passdb: passdb,
		userdb: userdb,
		logger: logger.With("component", "routing"),
	}, nil
}

// Resolve decides the delivery path of req.Address. Failures that must be
// shown to the client are returned as *Rejection.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Decision, error) {
	username, detail, delim := req.Address.Username(r.cfg.Delimiters)
	d := &Decision{
		Kind:     Local,
		Address:  req.Address,
		Username: username,
		Detail:   detail,
		Delim:    delim,
	}

	if r.cfg.Proxy {
		proxied, err := r.resolveProxy(ctx, req, d)
		if err != nil {
			return nil, err
		}
		if proxied {
			return d, nil
		}
	}

	if err := r.resolveLocal(ctx, req, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *Resolver) lookupRequest(req Request, username string) authdb.Request {
	return authdb.Request{
		Username:   username,
		Service:    r.cfg.Service,
		LocalIP:    req.LocalIP,
		LocalPort:  req.LocalPort,
		RemoteIP:   req.RemoteIP,
		RemotePort: req.RemotePort,
		SessionID:  req.SessionID,
	}
}

// resolveProxy reports whether passdb routes the recipient to another
// server. On true d carries the proxy settings.
func (r *Resolver) resolveProxy(ctx context.Context, req Request, d *Decision) (bool, error) {
	logger := r.logger.With("session_id", req.SessionID, "username", d.Username)

	fields, err := r.passdb.Lookup(ctx, r.lookupRequest(req, d.Username))
	if err != nil {
		var lookupErr *authdb.LookupError
		switch {
		case errors.As(err, &lookupErr) && lookupErr.Message != "":
			return false, rejectLine(lookupErr.Message)
		case errors.Is(err, authdb.ErrNotFound):
			return false, nil
		default:
			logger.Warn("Passdb lookup failed, trying local delivery", "error", err)
			return false, nil
		}
	}

	set, destUser, ok := r.parseProxyFields(fields, req.LocalPort, logger)
	if !ok {
		return false, nil
	}

	if destUser != "" && destUser != d.Username {
		user, err := address.ParseUsername(destUser)
		if err != nil {
			logger.Error("Username returned by passdb lookup is not a valid address",
				"destuser", destUser,
				"error", err,
			)
			return false, reject(550, "5.3.5", "<%s> Internal user lookup failure", req.Address.Encode())
		}
		if d.Detail != "" && !user.HasDetail(r.cfg.Delimiters) {
			user = user.WithDetail(d.Detail, d.Delim)
		}
		d.Address = user
		d.Username, _, _ = user.Username(r.cfg.Delimiters)
	} else if isOurself(set, req) {
		logger.Error("Proxying loops to itself", "host", set.Host, "port", set.Port)
		return false, reject(554, "5.4.6", "<%s> Proxying loops to itself", req.Address.Encode())
	}

	if req.TTL <= 1 {
		logger.Error("Proxying appears to be looping (TTL=0)", "host", set.Host)
		return false, reject(554, "5.4.6", "<%s> Proxying appears to be looping (TTL=0)", d.Username)
	}

	d.Kind = Proxy
	d.Settings = set
	logger.Debug("Recipient routed to proxy",
		"host", set.Host,
		"port", set.Port,
		"protocol", set.Protocol.String(),
	)
	return true, nil
}

// parseProxyFields extracts the proxy directives. ok is false when the
// fields do not describe a usable proxy destination.
func (r *Resolver) parseProxyFields(fields authdb.Fields, localPort int, logger *slog.Logger) (set proxy.Settings, destUser string, ok bool) {
	set = proxy.Settings{
		Port:     localPort,
		Protocol: proxy.ProtocolLMTP,
		Timeout:  r.cfg.ProxyTimeout,
	}
	proxying, portSet := false, false

	for _, f := range fields {
		switch f.Key {
		case "proxy":
			proxying = true
		case "host":
			set.Host = f.Value
		case "hostip":
			ip := net.ParseIP(f.Value)
			if ip == nil {
				logger.Error("Invalid proxy hostip", "hostip", f.Value)
				return set, "", false
			}
			set.HostIP = ip
		case "port":
			port, err := strconv.Atoi(f.Value)
			if err != nil || port <= 0 || port > 65535 {
				logger.Error("Invalid proxy port number", "port", f.Value)
				return set, "", false
			}
			set.Port = port
			portSet = true
		case "proxy_timeout":
			secs, err := strconv.ParseUint(f.Value, 10, 32)
			if err != nil {
				logger.Error("Invalid proxy_timeout value", "proxy_timeout", f.Value)
				return set, "", false
			}
			set.Timeout = time.Duration(secs) * time.Second
		case "protocol":
			proto, err := proxy.ParseProtocol(f.Value)
			if err != nil || f.Value != strings.ToLower(f.Value) {
				logger.Error("Unknown proxy protocol", "protocol", f.Value)
				return set, "", false
			}
			set.Protocol = proto
			if !portSet {
				set.Port = proto.DefaultPort()
			}
		case "user", "destuser":
			destUser = f.Value
		}
	}

	if proxying && set.Host == "" {
		logger.Error("Proxy host not given")
		return set, "", false
	}
	return set, destUser, proxying
}

// isOurself reports whether set points back at the session's own
// listener.
func isOurself(set proxy.Settings, req Request) bool {
	if set.Port != req.LocalPort {
		return false
	}
	ip := set.HostIP
	if ip == nil {
		if ip = net.ParseIP(set.Host); ip == nil {
			return false
		}
	}
	return ip.Equal(req.LocalIP)
}

func (r *Resolver) resolveLocal(ctx context.Context, req Request, d *Decision) error {
	fields, err := r.userdb.Lookup(ctx, r.lookupRequest(req, d.Username))
	if err != nil {
		var lookupErr *authdb.LookupError
		switch {
		case errors.Is(err, authdb.ErrNotFound):
			return reject(550, "5.1.1", "<%s> User doesn't exist: %s", req.Address.Encode(), d.Username)
		case errors.As(err, &lookupErr) && lookupErr.Message != "":
			return rejectLine(lookupErr.Message)
		default:
			r.logger.Error("Userdb lookup failed",
				"session_id", req.SessionID,
				"username", d.Username,
				"error", err,
			)
			return reject(451, "4.3.0", "<%s> Temporary internal error", req.Address.Encode())
		}
	}

	mb, err := store.MailboxFromFields(d.Username, fields)
	if err != nil {
		r.logger.Error("Invalid userdb fields",
			"session_id", req.SessionID,
			"username", d.Username,
			"error", err,
		)
		return reject(451, "4.3.0", "<%s> Temporary internal error", req.Address.Encode())
	}
	d.Kind = Local
	d.Mailbox = mb
	return nil
}

// Close releases the lookup sources.
func (r *Resolver) Close() error {
	var errs []error
	if r.passdb != nil {
		errs = append(errs, r.passdb.Close())
	}
	if r.userdb != r.passdb {
		errs = append(errs, r.userdb.Close())
	}
	return errors.Join(errs...)
}

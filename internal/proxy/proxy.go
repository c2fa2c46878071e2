// Package proxy forwards a transaction's recipients to remote LMTP or SMTP
// servers and maps the remote replies back to each recipient.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/elemta-lmtp/internal/address"
)

// DefaultTimeout is the per-leg timeout used when none is configured.
const DefaultTimeout = 125 * time.Second

// Protocol is the protocol spoken to a remote server.
type Protocol int

const (
	ProtocolLMTP Protocol = iota
	ProtocolSMTP
)

func (p Protocol) String() string {
	if p == ProtocolSMTP {
		return "smtp"
	}
	return "lmtp"
}

// DefaultPort returns the well-known port of the protocol.
func (p Protocol) DefaultPort() int {
	if p == ProtocolSMTP {
		return 25
	}
	return 24
}

// ParseProtocol parses "lmtp" or "smtp".
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "lmtp":
		return ProtocolLMTP, nil
	case "smtp":
		return ProtocolSMTP, nil
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

// Settings identify a remote destination.
type Settings struct {
	Host     string
	HostIP   net.IP
	Port     int
	Protocol Protocol
	Timeout  time.Duration
}

func (s Settings) sameDestination(o Settings) bool {
	return s.Host == o.Host && s.Port == o.Port && s.Protocol == o.Protocol
}

// Options configure a Proxy.
type Options struct {
	// MyHostname is sent in LHLO/EHLO.
	MyHostname string
	SessionID  string
	// SourceIP and SourcePort describe the original client, forwarded
	// with XCLIENT when the remote supports it.
	SourceIP   net.IP
	SourcePort int
	// TTL is the hop count forwarded to the remote.
	TTL      int
	Resolver *Resolver
	Dialer   func(ctx context.Context, network, address string) (net.Conn, error)
	Logger   *slog.Logger
}

// Result is the final reply for one proxied recipient.
type Result struct {
	Address address.Address
	Reply   string
}

type recipient struct {
	addr  address.Address
	leg   *leg
	reply string
	done  bool
}

func (r *recipient) finish(reply string) {
	if r.done {
		return
	}
	r.reply = reply
	r.done = true
}

type leg struct {
	settings Settings
	client   *client
	err      error
	rcpts    []*recipient
}

// Proxy is the per-transaction proxy context. It is used from a single
// goroutine except inside Start.
type Proxy struct {
	opts       Options
	logger     *slog.Logger
	sender     address.Address
	mailParams address.MailParams
	legs       []*leg
	rcpts      []*recipient
	started    bool
}

// New creates a proxy context.
func New(opts Options) *Proxy {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = (&net.Dialer{}).DialContext
	}
	return &Proxy{
		opts:   opts,
		logger: logger.With("component", "lmtp-proxy", "session_id", opts.SessionID),
	}
}

// TTL returns the hop count forwarded to remotes.
func (p *Proxy) TTL() int {
	return p.opts.TTL
}

// MailFrom records the envelope sender used for every leg.
func (p *Proxy) MailFrom(sender address.Address, params address.MailParams) {
	p.sender = sender
	p.mailParams = params
}

// Recipients returns the number of recipients added.
func (p *Proxy) Recipients() int {
	return len(p.rcpts)
}

// AddRcpt routes addr to the leg for settings, opening it when needed. An
// error means the recipient could not be handed to the remote and must be
// rejected; a remote RCPT rejection is not an error and is reported by
// Start.
func (p *Proxy) AddRcpt(ctx context.Context, addr address.Address, params address.RcptParams, settings Settings) error {
	if p.started {
		return fmt.Errorf("proxy already started")
	}
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}

	l := p.findLeg(settings)
	if l == nil {
		l = &leg{settings: settings}
		p.legs = append(p.legs, l)
		if err := p.open(ctx, l); err != nil {
			l.err = err
			p.logger.Warn("Failed to open proxy connection",
				"host", settings.Host,
				"port", settings.Port,
				"protocol", settings.Protocol.String(),
				"error", err,
			)
		}
	}
	if l.err != nil {
		return l.err
	}

	stop := l.client.watch(ctx)
	r, err := l.client.cmd("RCPT TO:%s%s", addr.Path(), params.String())
	stop()
	if err != nil {
		l.fail(err)
		return err
	}

	rcpt := &recipient{addr: addr, leg: l}
	if !r.positive() {
		rcpt.finish(r.String())
	} else {
		l.rcpts = append(l.rcpts, rcpt)
	}
	p.rcpts = append(p.rcpts, rcpt)
	return nil
}

func (p *Proxy) findLeg(settings Settings) *leg {
	for _, l := range p.legs {
		if l.settings.sameDestination(settings) {
			return l
		}
	}
	return nil
}

func (l *leg) fail(err error) {
	l.err = err
	if l.client != nil {
		l.client.close()
	}
}

// open connects the leg and runs the handshake up to MAIL FROM.
func (p *Proxy) open(ctx context.Context, l *leg) error {
	set := l.settings
	ip := set.HostIP
	if ip == nil {
		var err error
		if ip, err = p.opts.Resolver.LookupIP(ctx, set.Host); err != nil {
			return fmt.Errorf("failed to resolve %s: %w", set.Host, err)
		}
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(set.Port))

	dctx, cancel := context.WithTimeout(ctx, set.Timeout)
	defer cancel()
	conn, err := p.opts.Dialer(dctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := newClient(conn, set.Timeout, p.logger.With("remote", addr))
	l.client = c
	stop := c.watch(ctx)
	defer stop()

	if err := p.handshake(c, set); err != nil {
		c.close()
		return err
	}
	return nil
}

func (p *Proxy) handshake(c *client, set Settings) error {
	verb := "LHLO"
	if set.Protocol == ProtocolSMTP {
		verb = "EHLO"
	}
	if err := c.greeting(); err != nil {
		return err
	}
	if err := c.hello(verb, p.opts.MyHostname); err != nil {
		return err
	}

	if params, ok := c.supports("XCLIENT"); ok {
		if args := p.xclientArgs(params, set); args != "" {
			r, err := c.cmd("XCLIENT%s", args)
			if err != nil {
				return fmt.Errorf("XCLIENT failed: %w", err)
			}
			if !r.positive() {
				return fmt.Errorf("server rejected XCLIENT: %s", r)
			}
			// The remote resets the session after XCLIENT.
			if err := c.hello(verb, p.opts.MyHostname); err != nil {
				return err
			}
		}
	}

	r, err := c.cmd("MAIL FROM:%s%s", p.sender.Path(), p.mailParams.String())
	if err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if !r.positive() {
		return fmt.Errorf("server rejected sender: %s", r)
	}
	return nil
}

// xclientArgs builds the XCLIENT attributes the remote advertised.
func (p *Proxy) xclientArgs(advertised string, set Settings) string {
	allowed := make(map[string]bool)
	for _, name := range strings.Fields(strings.ToUpper(advertised)) {
		allowed[name] = true
	}
	var b strings.Builder
	if allowed["ADDR"] && p.opts.SourceIP != nil {
		ip := p.opts.SourceIP.String()
		if p.opts.SourceIP.To4() == nil {
			ip = "IPV6:" + ip
		}
		b.WriteString(" ADDR=" + ip)
	}
	if allowed["PORT"] && p.opts.SourcePort > 0 {
		b.WriteString(" PORT=" + strconv.Itoa(p.opts.SourcePort))
	}
	if allowed["TTL"] && p.opts.TTL > 0 {
		b.WriteString(" TTL=" + strconv.Itoa(p.opts.TTL))
	}
	if secs := int(set.Timeout / time.Second); allowed["TIMEOUT"] && secs > 0 {
		b.WriteString(" TIMEOUT=" + strconv.Itoa(secs))
	}
	return b.String()
}

// Start sends the message produced by open to every leg concurrently and
// returns one result per recipient in the order they were added. Each leg
// calls open once.
func (p *Proxy) Start(ctx context.Context, open func() io.Reader) []Result {
	p.started = true

	var g errgroup.Group
	for _, l := range p.legs {
		g.Go(func() error {
			p.runLeg(ctx, l, open)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]Result, 0, len(p.rcpts))
	for _, rcpt := range p.rcpts {
		rcpt.finish(fmt.Sprintf("451 4.3.0 <%s> Internal error", rcpt.addr.Encode()))
		results = append(results, Result{Address: rcpt.addr, Reply: rcpt.reply})
	}
	return results
}

func (p *Proxy) runLeg(ctx context.Context, l *leg, open func() io.Reader) {
	if l.err != nil {
		p.failLeg(l, l.err)
		return
	}
	c := l.client
	defer c.close()
	if len(l.rcpts) == 0 {
		c.quit()
		return
	}

	stop := c.watch(ctx)
	defer stop()

	r, err := c.cmd("DATA")
	if err != nil {
		p.failLeg(l, err)
		return
	}
	if r.code != 354 {
		for _, rcpt := range l.rcpts {
			rcpt.finish(r.String())
		}
		c.quit()
		return
	}
	if err := c.data(open()); err != nil {
		p.failLeg(l, err)
		return
	}

	if l.settings.Protocol == ProtocolSMTP {
		r, err := c.readReply()
		if err != nil {
			p.failLeg(l, err)
			return
		}
		for _, rcpt := range l.rcpts {
			rcpt.finish(r.String())
		}
	} else {
		for _, rcpt := range l.rcpts {
			r, err := c.readReply()
			if err != nil {
				p.failLeg(l, err)
				return
			}
			rcpt.finish(r.String())
		}
	}
	c.quit()

	p.logger.Debug("Proxy leg finished",
		"host", l.settings.Host,
		"port", l.settings.Port,
		"recipients", len(l.rcpts),
	)
}

// failLeg finalises every pending recipient of l with a remote failure.
func (p *Proxy) failLeg(l *leg, err error) {
	p.logger.Warn("Proxy leg failed",
		"host", l.settings.Host,
		"port", l.settings.Port,
		"error", err,
	)
	for _, rcpt := range l.rcpts {
		if isTimeout(err) {
			rcpt.finish(fmt.Sprintf("451 4.4.2 <%s> Remote server not answering (timeout)", rcpt.addr.Encode()))
		} else {
			rcpt.finish(fmt.Sprintf("451 4.4.0 <%s> Remote server not answering", rcpt.addr.Encode()))
		}
	}
}

// Close releases every leg that was never started.
func (p *Proxy) Close() {
	if p.started {
		return
	}
	for _, l := range p.legs {
		if l.err == nil && l.client != nil {
			l.client.quit()
			l.client.close()
		}
	}
	p.started = true
}

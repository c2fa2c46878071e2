package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver looks up proxy destinations given by host name only.
type Resolver struct {
	servers []string
	client  *dns.Client
}

// NewResolver creates a resolver querying server ("host" or "host:port").
// An empty server selects the nameservers from /etc/resolv.conf, falling
// back to the Go resolver when that file cannot be read.
func NewResolver(server string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &Resolver{client: &dns.Client{Timeout: timeout}}

	if server != "" {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		r.servers = []string{server}
		return r
	}
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
		for _, s := range cfg.Servers {
			r.servers = append(r.servers, net.JoinHostPort(s, cfg.Port))
		}
	}
	return r
}

// LookupIP returns the first address of host. IP literals are returned
// unchanged.
func (r *Resolver) LookupIP(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	if r == nil || len(r.servers) == 0 {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no addresses for %s", host)
		}
		return addrs[0].IP, nil
	}

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		for _, server := range r.servers {
			in, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			if in.Rcode == dns.RcodeNameError {
				return nil, fmt.Errorf("host %s not found", host)
			}
			if in.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("lookup of %s failed: %s", host, dns.RcodeToString[in.Rcode])
				continue
			}
			for _, rr := range in.Answer {
				switch v := rr.(type) {
				case *dns.A:
					return v.A, nil
				case *dns.AAAA:
					return v.AAAA, nil
				}
			}
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, lastErr
}

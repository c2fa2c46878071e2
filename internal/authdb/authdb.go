// Package authdb implements the passdb and userdb lookup sources used to
// route recipients and to find their local mailbox settings.
package authdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
)

// Common errors
var (
	ErrNotFound     = errors.New("user not found")
	ErrNotConnected = errors.New("not connected to lookup source")
	ErrInvalidInput = errors.New("invalid input")
)

// LookupError is an explicit lookup failure whose Message is meant to be
// shown to the client.
type LookupError struct {
	Message string
}

func (e *LookupError) Error() string {
	return e.Message
}

// Request describes a single lookup.
type Request struct {
	Username   string
	Service    string
	LocalIP    net.IP
	LocalPort  int
	RemoteIP   net.IP
	RemotePort int
	SessionID  string
}

// Source is a passdb or userdb backend.
type Source interface {
	// Lookup returns the fields for req.Username, ErrNotFound when the user
	// is unknown, a *LookupError for explicit failures, or any other error
	// for infrastructure problems.
	Lookup(ctx context.Context, req Request) (Fields, error)

	// Close releases connections held by the source.
	Close() error
}

// Config describes one lookup source.
type Config struct {
	Type          string            `toml:"type" yaml:"type"`
	Path          string            `toml:"path" yaml:"path"`
	DSN           string            `toml:"dsn" yaml:"dsn"`
	Query         string            `toml:"query" yaml:"query"`
	Host          string            `toml:"host" yaml:"host"`
	Port          int               `toml:"port" yaml:"port"`
	BindDN        string            `toml:"bind_dn" yaml:"bind_dn"`
	BindPassword  string            `toml:"bind_password" yaml:"bind_password"`
	BaseDN        string            `toml:"base_dn" yaml:"base_dn"`
	Filter        string            `toml:"filter" yaml:"filter"`
	Attributes    map[string]string `toml:"attributes" yaml:"attributes"`
	Fields        []string          `toml:"fields" yaml:"fields"`
	DefaultFields []string          `toml:"default_fields" yaml:"default_fields"`
}

// Types lists the supported source types.
var Types = []string{"file", "sqlite", "mysql", "postgres", "ldap", "static"}

// New creates a source for cfg. A Config with an empty Type yields nil.
func New(cfg Config, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "authdb", "type", cfg.Type)

	var (
		src Source
		err error
	)
	switch strings.ToLower(cfg.Type) {
	case "":
		return nil, nil
	case "file":
		src, err = NewFile(cfg.Path, logger)
	case "sqlite", "mysql", "postgres":
		src, err = NewSQL(cfg, logger)
	case "ldap":
		src, err = NewLDAP(cfg, logger)
	case "static":
		src = NewStatic(ParseFields(cfg.Fields))
	default:
		return nil, fmt.Errorf("unsupported lookup source type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if len(cfg.DefaultFields) > 0 {
		src = &withDefaults{Source: src, defaults: ParseFields(cfg.DefaultFields)}
	}
	return src, nil
}

type withDefaults struct {
	Source
	defaults Fields
}

func (w *withDefaults) Lookup(ctx context.Context, req Request) (Fields, error) {
	fields, err := w.Source.Lookup(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, f := range w.defaults {
		if !fields.Has(f.Key) {
			fields = append(fields, f)
		}
	}
	return fields, nil
}

// expand replaces %u, %n, %d, %s, %l, %r and %% in tmpl with values taken
// from req, passing each value through quote.
func expand(tmpl string, req Request, quote func(string) string) string {
	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] != '%' || i+1 >= len(tmpl) {
			b.WriteByte(tmpl[i])
			continue
		}
		i++
		if tmpl[i] == '%' {
			b.WriteByte('%')
			continue
		}
		value, ok := variable(tmpl[i], req)
		if !ok {
			b.WriteByte('%')
			b.WriteByte(tmpl[i])
			continue
		}
		b.WriteString(quote(value))
	}
	return b.String()
}

func variable(c byte, req Request) (string, bool) {
	local, domain, _ := strings.Cut(req.Username, "@")
	switch c {
	case 'u':
		return req.Username, true
	case 'n':
		return local, true
	case 'd':
		return domain, true
	case 's':
		return req.Service, true
	case 'l':
		return ipString(req.LocalIP), true
	case 'r':
		return ipString(req.RemoteIP), true
	}
	return "", false
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

package authdb

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// LDAP is a lookup source that searches a directory for the user entry and
// maps its attributes to fields.
type LDAP struct {
	url          string
	bindDN       string
	bindPassword string
	baseDN       string
	filter       string
	attributes   map[string]string
	logger       *slog.Logger

	mu   sync.Mutex
	conn *ldap.Conn
}

// NewLDAP creates an LDAP source. The connection is opened on first use.
func NewLDAP(cfg Config, logger *slog.Logger) (*LDAP, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ldap source requires a host: %w", ErrInvalidInput)
	}
	if cfg.BaseDN == "" {
		return nil, fmt.Errorf("ldap source requires base_dn: %w", ErrInvalidInput)
	}
	port := cfg.Port
	if port == 0 {
		port = 389
	}
	url := cfg.Host
	if !strings.Contains(url, "://") {
		url = fmt.Sprintf("ldap://%s:%d", cfg.Host, port)
	}
	filter := cfg.Filter
	if filter == "" {
		filter = "(&(objectClass=posixAccount)(mail=%u))"
	}
	attributes := cfg.Attributes
	if len(attributes) == 0 {
		attributes = map[string]string{
			"uidNumber":     "uid",
			"gidNumber":     "gid",
			"homeDirectory": "home",
		}
	}
	return &LDAP{
		url:          url,
		bindDN:       cfg.BindDN,
		bindPassword: cfg.BindPassword,
		baseDN:       cfg.BaseDN,
		filter:       filter,
		attributes:   attributes,
		logger:       logger,
	}, nil
}

func (l *LDAP) connect() error {
	conn, err := ldap.DialURL(l.url)
	if err != nil {
		return fmt.Errorf("failed to connect to LDAP server: %w", err)
	}
	conn.SetTimeout(30 * time.Second)

	if l.bindDN != "" {
		if err := conn.Bind(l.bindDN, l.bindPassword); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to bind to LDAP server: %w", err)
		}
	}
	l.conn = conn
	l.logger.Info("Connected to LDAP server", "url", l.url)
	return nil
}

// ensureConnection reconnects when the connection is missing or closed.
func (l *LDAP) ensureConnection() error {
	if l.conn != nil && !l.conn.IsClosing() {
		return nil
	}
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	return l.connect()
}

// Lookup implements Source.
func (l *LDAP) Lookup(ctx context.Context, req Request) (Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attrs := make([]string, 0, len(l.attributes))
	for attr := range l.attributes {
		attrs = append(attrs, attr)
	}
	search := ldap.NewSearchRequest(
		l.baseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		2, 10, false,
		expand(l.filter, req, ldap.EscapeFilter),
		attrs,
		nil,
	)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureConnection(); err != nil {
		return nil, err
	}
	result, err := l.conn.Search(search)
	if err != nil && ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
		l.logger.Warn("LDAP connection lost, reconnecting", "error", err)
		_ = l.conn.Close()
		l.conn = nil
		if err := l.connect(); err != nil {
			return nil, err
		}
		result, err = l.conn.Search(search)
	}
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("LDAP search failed: %w", err)
	}

	switch len(result.Entries) {
	case 0:
		return nil, ErrNotFound
	case 1:
	default:
		return nil, fmt.Errorf("LDAP search for %q returned %d entries", req.Username, len(result.Entries))
	}

	entry := result.Entries[0]
	var fields Fields
	for _, attr := range entry.Attributes {
		key, ok := l.mapAttribute(attr.Name)
		if !ok || len(attr.Values) == 0 {
			continue
		}
		fields = append(fields, Field{Key: key, Value: attr.Values[0]})
	}
	return fields, nil
}

func (l *LDAP) mapAttribute(name string) (string, bool) {
	for attr, key := range l.attributes {
		if strings.EqualFold(attr, name) {
			return key, true
		}
	}
	return "", false
}

// Close implements Source.
func (l *LDAP) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close LDAP connection: %w", err)
	}
	return nil
}

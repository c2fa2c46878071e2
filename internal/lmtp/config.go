package lmtp

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// DeliveryAddressMode selects the address written to the Delivered-To
// header.
type DeliveryAddressMode int

const (
	DeliveryAddressFinal DeliveryAddressMode = iota
	DeliveryAddressNone
	DeliveryAddressOriginal
)

func (m DeliveryAddressMode) String() string {
	switch m {
	case DeliveryAddressNone:
		return "none"
	case DeliveryAddressOriginal:
		return "original"
	default:
		return "final"
	}
}

// ParseDeliveryAddressMode parses "none", "final" or "original".
func ParseDeliveryAddressMode(s string) (DeliveryAddressMode, error) {
	switch strings.ToLower(s) {
	case "none":
		return DeliveryAddressNone, nil
	case "", "final":
		return DeliveryAddressFinal, nil
	case "original":
		return DeliveryAddressOriginal, nil
	}
	return DeliveryAddressFinal, fmt.Errorf("invalid hdr_delivery_address: %q", s)
}

// TLSConfig configures STARTTLS.
type TLSConfig struct {
	Enabled     bool               `toml:"enabled" yaml:"enabled"`
	CertFile    string             `toml:"cert_file" yaml:"cert_file"`
	KeyFile     string             `toml:"key_file" yaml:"key_file"`
	MinVersion  string             `toml:"min_version" yaml:"min_version"`
	LetsEncrypt *LetsEncryptConfig `toml:"letsencrypt" yaml:"letsencrypt"`
}

// LetsEncryptConfig configures ACME certificates.
type LetsEncryptConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled"`
	Domain   string `toml:"domain" yaml:"domain"`
	Email    string `toml:"email" yaml:"email"`
	CacheDir string `toml:"cache_dir" yaml:"cache_dir"`
	Staging  bool   `toml:"staging" yaml:"staging"`
}

// Config holds the settings of the LMTP server.
type Config struct {
	Hostname      string
	ListenAddr    string
	LoginGreeting string

	// TrustedNetworks may use XCLIENT.
	TrustedNetworks []*net.IPNet

	HdrDeliveryAddress DeliveryAddressMode

	// ProxyTTL is the hop count of a new connection.
	ProxyTTL int

	// MaxSize limits the message body. Zero is unlimited.
	MaxSize         int64
	MaxInMemorySize int
	TempDir         string

	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	ShutdownTimeout  time.Duration
	MaxLineLength    int

	TLS *TLSConfig
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "localhost"
		}
		c.Hostname = hostname
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":24"
	}
	if c.LoginGreeting == "" {
		c.LoginGreeting = "Elemta LMTP ready"
	}
	if c.ProxyTTL <= 0 {
		c.ProxyTTL = 5
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = 4096
	}
}

// ParseNetworks parses CIDR blocks or single addresses.
func ParseNetworks(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted network %q", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted network %q: %w", entry, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// Package config loads and validates the elemta-lmtp configuration file.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	toml2 "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/busybox42/elemta-lmtp/internal/admission"
	"github.com/busybox42/elemta-lmtp/internal/authdb"
	"github.com/busybox42/elemta-lmtp/internal/lmtp"
	"github.com/busybox42/elemta-lmtp/internal/logging"
	"github.com/busybox42/elemta-lmtp/internal/proxy"
	"github.com/busybox42/elemta-lmtp/internal/routing"
	"github.com/busybox42/elemta-lmtp/internal/store"
)

// maxConfigFileSize bounds the configuration file read by LoadConfig.
const maxConfigFileSize = 1 << 20

// Duration is a time.Duration written as "30s" or "5m" in config files.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" || s == "0" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	TLS       lmtp.TLSConfig  `toml:"tls" yaml:"tls"`
	Passdb    authdb.Config   `toml:"passdb" yaml:"passdb"`
	Userdb    authdb.Config   `toml:"userdb" yaml:"userdb"`
	Admission AdmissionConfig `toml:"admission" yaml:"admission"`
	Storage   StorageConfig   `toml:"storage" yaml:"storage"`
	DNS       DNSConfig       `toml:"dns" yaml:"dns"`
	Logging   logging.Config  `toml:"logging" yaml:"logging"`
	API       APIConfig       `toml:"api" yaml:"api"`

	// path is the file the configuration was loaded from.
	path string
}

// ServerConfig holds the LMTP protocol settings.
type ServerConfig struct {
	Hostname             string   `toml:"hostname" yaml:"hostname"`
	Listen               string   `toml:"listen" yaml:"listen"`
	LoginGreeting        string   `toml:"login_greeting" yaml:"login_greeting"`
	TrustedNetworks      []string `toml:"trusted_networks" yaml:"trusted_networks"`
	RecipientDelimiter   string   `toml:"recipient_delimiter" yaml:"recipient_delimiter"`
	HdrDeliveryAddress   string   `toml:"hdr_delivery_address" yaml:"hdr_delivery_address"`
	Proxy                bool     `toml:"proxy" yaml:"proxy"`
	ProxyTTL             int      `toml:"proxy_ttl" yaml:"proxy_ttl"`
	ProxyTimeout         Duration `toml:"proxy_timeout" yaml:"proxy_timeout"`
	UserConcurrencyLimit int      `toml:"user_concurrency_limit" yaml:"user_concurrency_limit"`
	MaxSize              int64    `toml:"max_size" yaml:"max_size"`
	TempDir              string   `toml:"temp_dir" yaml:"temp_dir"`
	MaxInMemorySize      int      `toml:"max_inmemory_size" yaml:"max_inmemory_size"`
	IdleTimeout          Duration `toml:"idle_timeout" yaml:"idle_timeout"`
	AdmissionTimeout     Duration `toml:"admission_timeout" yaml:"admission_timeout"`
}

// AdmissionConfig selects the shared counter behind the per-user
// concurrency limit.
type AdmissionConfig struct {
	Type            string   `toml:"type" yaml:"type"`
	Host            string   `toml:"host" yaml:"host"`
	Port            int      `toml:"port" yaml:"port"`
	Password        string   `toml:"password" yaml:"password"`
	Database        int      `toml:"database" yaml:"database"`
	KeyPrefix       string   `toml:"key_prefix" yaml:"key_prefix"`
	TTL             Duration `toml:"ttl" yaml:"ttl"`
	BreakerFailures uint32   `toml:"breaker_failures" yaml:"breaker_failures"`
}

// StorageConfig selects the mailbox backend.
type StorageConfig struct {
	Type        string   `toml:"type" yaml:"type"`
	Path        string   `toml:"path" yaml:"path"`
	Autoexpunge Duration `toml:"autoexpunge" yaml:"autoexpunge"`
}

// DNSConfig configures resolution of proxy destinations.
type DNSConfig struct {
	Resolver string   `toml:"resolver" yaml:"resolver"`
	Timeout  Duration `toml:"timeout" yaml:"timeout"`
}

// APIConfig configures the admin HTTP endpoint.
type APIConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" yaml:"listen"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	cfg.Server.Hostname = hostname
	cfg.Server.Listen = ":24"
	cfg.Server.LoginGreeting = "Elemta LMTP ready"
	cfg.Server.RecipientDelimiter = "+"
	cfg.Server.HdrDeliveryAddress = "final"
	cfg.Server.ProxyTTL = 5
	cfg.Server.ProxyTimeout = Duration{proxy.DefaultTimeout}
	cfg.Server.MaxInMemorySize = 128 * 1024
	cfg.Server.IdleTimeout = Duration{5 * time.Minute}
	cfg.Server.AdmissionTimeout = Duration{admission.DefaultTimeout}

	cfg.TLS.MinVersion = "1.2"

	cfg.Userdb.Type = "static"

	cfg.Admission.Type = "memory"
	cfg.Admission.BreakerFailures = 5

	cfg.Storage.Type = "maildir"
	cfg.Storage.Path = "/var/mail"

	cfg.DNS.Timeout = Duration{5 * time.Second}

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"

	cfg.API.Listen = ":8026"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations. An
// empty result with a nil error means none was found.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return "", fmt.Errorf("config file not found at specified path: %s", configPath)
		}
		return configPath, nil
	}

	locations := []string{
		"./elemta-lmtp.toml",
		"./config/elemta-lmtp.toml",
		os.ExpandEnv("$HOME/.elemta-lmtp.toml"),
		"/etc/elemta/elemta-lmtp.toml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", nil
}

// LoadConfig reads the configuration file, applying it over the defaults.
// With no file found the defaults are returned. The result is validated;
// warnings are left for the caller to report.
func LoadConfig(configPath string) (*Config, *ValidationResult, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	if configFile != "" {
		if err := cfg.decodeFile(configFile); err != nil {
			return nil, nil, err
		}
		cfg.path = configFile
	}

	result := cfg.Validate()
	if !result.Valid {
		messages := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			messages = append(messages, e.Error())
		}
		return nil, result, fmt.Errorf("configuration validation failed: %s", strings.Join(messages, "; "))
	}
	return cfg, result, nil
}

func (c *Config) decodeFile(configFile string) error {
	info, err := os.Stat(configFile)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), maxConfigFileSize)
	}
	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(configFile)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("error parsing YAML configuration: %w", err)
		}
	default:
		if err := toml2.Unmarshal(data, c); err != nil {
			return fmt.Errorf("error parsing TOML configuration: %w", err)
		}
	}
	return nil
}

// Path returns the file the configuration was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// UndecodedKeys returns the keys of a TOML file that match no setting.
// YAML files are not checked.
func UndecodedKeys(configFile string) ([]string, error) {
	switch strings.ToLower(filepath.Ext(configFile)) {
	case ".yaml", ".yml":
		return nil, nil
	}
	var cfg Config
	md, err := toml.DecodeFile(configFile, &cfg)
	if err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}
	keys := make([]string, 0, len(md.Undecoded()))
	for _, key := range md.Undecoded() {
		keys = append(keys, key.String())
	}
	return keys, nil
}

// LMTPConfig converts the server settings for the lmtp package.
func (c *Config) LMTPConfig() (*lmtp.Config, error) {
	networks, err := lmtp.ParseNetworks(c.Server.TrustedNetworks)
	if err != nil {
		return nil, err
	}
	mode, err := lmtp.ParseDeliveryAddressMode(c.Server.HdrDeliveryAddress)
	if err != nil {
		return nil, err
	}
	tlsConfig := c.TLS
	return &lmtp.Config{
		Hostname:           c.Server.Hostname,
		ListenAddr:         c.Server.Listen,
		LoginGreeting:      c.Server.LoginGreeting,
		TrustedNetworks:    networks,
		HdrDeliveryAddress: mode,
		ProxyTTL:           c.Server.ProxyTTL,
		MaxSize:            c.Server.MaxSize,
		MaxInMemorySize:    c.Server.MaxInMemorySize,
		TempDir:            c.Server.TempDir,
		IdleTimeout:        c.Server.IdleTimeout.Duration,
		TLS:                &tlsConfig,
	}, nil
}

// RoutingConfig returns the recipient resolution settings.
func (c *Config) RoutingConfig() routing.Config {
	return routing.Config{
		Delimiters:   c.Server.RecipientDelimiter,
		Proxy:        c.Server.Proxy,
		ProxyTimeout: c.Server.ProxyTimeout.Duration,
	}
}

// CounterConfig returns the admission counter backend settings.
func (c *Config) CounterConfig() admission.Config {
	return admission.Config{
		Type:            c.Admission.Type,
		Host:            c.Admission.Host,
		Port:            c.Admission.Port,
		Password:        c.Admission.Password,
		Database:        c.Admission.Database,
		KeyPrefix:       c.Admission.KeyPrefix,
		TTL:             c.Admission.TTL.Duration,
		BreakerFailures: c.Admission.BreakerFailures,
	}
}

// GateConfig returns the admission gate settings.
func (c *Config) GateConfig() admission.GateConfig {
	return admission.GateConfig{
		Limit:           c.Server.UserConcurrencyLimit,
		KeyPrefix:       c.Admission.KeyPrefix,
		Timeout:         c.Server.AdmissionTimeout.Duration,
		BreakerFailures: c.Admission.BreakerFailures,
	}
}

// StoreConfig returns the mailbox backend settings.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type:        c.Storage.Type,
		Path:        c.Storage.Path,
		Autoexpunge: c.Storage.Autoexpunge.Duration,
		Hostname:    c.Server.Hostname,
	}
}

// Helper functions for validation

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	if hostname == "localhost" || net.ParseIP(hostname) != nil {
		return true
	}
	return hostnameRegex.MatchString(hostname)
}

func isValidListenAddress(addr string) bool {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return false
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return true
	}
	return isValidHostname(host)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

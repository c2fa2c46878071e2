package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SaveConfig writes the configuration as commented TOML.
func (c *Config) SaveConfig(configPath string) error {
	tomlContent := fmt.Sprintf(`# Elemta LMTP Server Configuration

[server]
hostname = %s
listen = %s
login_greeting = %s
# Networks allowed to use XCLIENT
trusted_networks = %s
recipient_delimiter = %s
# Delivered-To header: none, final or original
hdr_delivery_address = %s
proxy = %t
proxy_ttl = %d
proxy_timeout = %s
# Concurrent deliveries per user, 0 disables the check
user_concurrency_limit = %d
# Maximum message size in bytes, 0 means unlimited
max_size = %d
temp_dir = %s
max_inmemory_size = %d
idle_timeout = %s
admission_timeout = %s

[tls]
enabled = %t
cert_file = %s
key_file = %s
min_version = %s

# [tls.letsencrypt]
# enabled = true
# domain = "mx.example.com"
# email = "postmaster@example.com"
# cache_dir = "/var/lib/elemta/acme"

# Passdb is consulted for proxy routing when server.proxy is enabled.
# Options: file, sqlite, mysql, postgres, ldap, static
# [passdb]
# type = "mysql"
# dsn = "elemta:secret@tcp(db:3306)/mail"
# query = "SELECT proxy, host, port, destuser FROM users WHERE username = ?"

[userdb]
type = %s
# path = "/etc/elemta/users"
# default_fields = ["uid=vmail", "home=/var/mail/%%d/%%n"]

[admission]
# Options: memory, redis, memcached, valkey
type = %s
# host = "127.0.0.1"
# port = 6379
key_prefix = %s
breaker_failures = %d

[storage]
# Options: maildir, bolt
type = %s
path = %s
autoexpunge = %s

[dns]
# resolver = "127.0.0.1:53"
timeout = %s

[logging]
level = %s
format = %s
output = %s

[api]
enabled = %t
listen = %s
`,
		strconv.Quote(c.Server.Hostname),
		strconv.Quote(c.Server.Listen),
		strconv.Quote(c.Server.LoginGreeting),
		quoteList(c.Server.TrustedNetworks),
		strconv.Quote(c.Server.RecipientDelimiter),
		strconv.Quote(c.Server.HdrDeliveryAddress),
		c.Server.Proxy,
		c.Server.ProxyTTL,
		strconv.Quote(c.Server.ProxyTimeout.String()),
		c.Server.UserConcurrencyLimit,
		c.Server.MaxSize,
		strconv.Quote(c.Server.TempDir),
		c.Server.MaxInMemorySize,
		strconv.Quote(c.Server.IdleTimeout.String()),
		strconv.Quote(c.Server.AdmissionTimeout.String()),
		c.TLS.Enabled,
		strconv.Quote(c.TLS.CertFile),
		strconv.Quote(c.TLS.KeyFile),
		strconv.Quote(c.TLS.MinVersion),
		strconv.Quote(c.Userdb.Type),
		strconv.Quote(c.Admission.Type),
		strconv.Quote(c.Admission.KeyPrefix),
		c.Admission.BreakerFailures,
		strconv.Quote(c.Storage.Type),
		strconv.Quote(c.Storage.Path),
		strconv.Quote(c.Storage.Autoexpunge.String()),
		strconv.Quote(c.DNS.Timeout.String()),
		strconv.Quote(c.Logging.Level),
		strconv.Quote(c.Logging.Format),
		strconv.Quote(c.Logging.Output),
		c.API.Enabled,
		strconv.Quote(c.API.Listen),
	)

	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, []byte(tomlContent), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// CreateDefaultConfig writes the default configuration to configPath,
// refusing to overwrite an existing file.
func CreateDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}
	return DefaultConfig().SaveConfig(configPath)
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = strconv.Quote(item)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

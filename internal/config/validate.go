package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/busybox42/elemta-lmtp/internal/admission"
	"github.com/busybox42/elemta-lmtp/internal/authdb"
	"github.com/busybox42/elemta-lmtp/internal/lmtp"
	"github.com/busybox42/elemta-lmtp/internal/logging"
	"github.com/busybox42/elemta-lmtp/internal/store"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate checks the configuration without touching any backend.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}

	c.validateServer(result)
	c.validateTLS(result)
	c.validateLookups(result)
	c.validateAdmission(result)
	c.validateStorage(result)
	c.validateLogging(result)
	c.validateAPI(result)
	c.validateFilePermissions(result)

	return result
}

func (c *Config) validateServer(result *ValidationResult) {
	sv := &c.Server

	if sv.Hostname == "" {
		result.AddError("server.hostname", sv.Hostname, "hostname is required")
	} else if !isValidHostname(sv.Hostname) {
		result.AddError("server.hostname", sv.Hostname, "invalid hostname format")
	}

	if !isValidListenAddress(sv.Listen) {
		result.AddError("server.listen", sv.Listen, "invalid listen address, expected host:port or :port")
	}

	if strings.ContainsAny(sv.LoginGreeting, "\r\n") {
		result.AddError("server.login_greeting", sv.LoginGreeting, "greeting must be a single line")
	}

	if _, err := lmtp.ParseNetworks(sv.TrustedNetworks); err != nil {
		result.AddError("server.trusted_networks", sv.TrustedNetworks, err.Error())
	}

	switch {
	case len(sv.RecipientDelimiter) > 8:
		result.AddError("server.recipient_delimiter", sv.RecipientDelimiter, "at most 8 delimiter characters are allowed")
	case strings.ContainsAny(sv.RecipientDelimiter, "@ \t\"<>"):
		result.AddError("server.recipient_delimiter", sv.RecipientDelimiter, "delimiters cannot contain '@', quotes, brackets or whitespace")
	}

	if _, err := lmtp.ParseDeliveryAddressMode(sv.HdrDeliveryAddress); err != nil {
		result.AddError("server.hdr_delivery_address", sv.HdrDeliveryAddress, "must be none, final or original")
	}

	if sv.ProxyTTL < 1 {
		result.AddError("server.proxy_ttl", sv.ProxyTTL, "proxy_ttl must be at least 1")
	}
	if sv.ProxyTimeout.Duration < 0 {
		result.AddError("server.proxy_timeout", sv.ProxyTimeout, "proxy_timeout cannot be negative")
	}
	if sv.UserConcurrencyLimit < 0 {
		result.AddError("server.user_concurrency_limit", sv.UserConcurrencyLimit, "limit cannot be negative")
	}
	if sv.MaxSize < 0 {
		result.AddError("server.max_size", sv.MaxSize, "max_size cannot be negative")
	} else if sv.MaxSize == 0 {
		result.AddWarning("server.max_size", sv.MaxSize, "message size is unlimited")
	}
	if sv.MaxInMemorySize < 0 {
		result.AddError("server.max_inmemory_size", sv.MaxInMemorySize, "max_inmemory_size cannot be negative")
	}
	if sv.IdleTimeout.Duration < 0 {
		result.AddError("server.idle_timeout", sv.IdleTimeout, "idle_timeout cannot be negative")
	}
	if sv.TempDir != "" {
		if info, err := os.Stat(sv.TempDir); err != nil || !info.IsDir() {
			result.AddWarning("server.temp_dir", sv.TempDir, "directory does not exist")
		}
	}
}

func (c *Config) validateTLS(result *ValidationResult) {
	tls := &c.TLS
	if !tls.Enabled {
		return
	}
	switch tls.MinVersion {
	case "", "1.0", "1.1", "1.2", "1.3":
	default:
		result.AddError("tls.min_version", tls.MinVersion, "must be 1.0, 1.1, 1.2 or 1.3")
	}
	if tls.MinVersion == "1.0" || tls.MinVersion == "1.1" {
		result.AddWarning("tls.min_version", tls.MinVersion, "TLS versions below 1.2 are deprecated")
	}

	if le := tls.LetsEncrypt; le != nil && le.Enabled {
		if le.Domain == "" {
			result.AddError("tls.letsencrypt.domain", le.Domain, "domain is required for Let's Encrypt")
		}
		return
	}
	if tls.CertFile == "" || tls.KeyFile == "" {
		result.AddError("tls.cert_file", tls.CertFile, "TLS enabled but cert_file or key_file is missing")
		return
	}
	for field, path := range map[string]string{"tls.cert_file": tls.CertFile, "tls.key_file": tls.KeyFile} {
		if _, err := os.Stat(path); err != nil {
			result.AddError(field, path, "file does not exist")
		}
	}
}

func (c *Config) validateLookups(result *ValidationResult) {
	for name, db := range map[string]*authdb.Config{"passdb": &c.Passdb, "userdb": &c.Userdb} {
		if db.Type == "" {
			continue
		}
		if !contains(authdb.Types, strings.ToLower(db.Type)) {
			result.AddError(name+".type", db.Type, fmt.Sprintf("unsupported type, must be one of %s", strings.Join(authdb.Types, ", ")))
			continue
		}
		switch strings.ToLower(db.Type) {
		case "file", "sqlite":
			if db.Path == "" {
				result.AddError(name+".path", db.Path, "path is required")
			}
		case "mysql", "postgres":
			if db.DSN == "" {
				result.AddError(name+".dsn", db.DSN, "dsn is required")
			}
		case "ldap":
			if db.Host == "" {
				result.AddError(name+".host", db.Host, "host is required")
			}
			if db.BaseDN == "" {
				result.AddError(name+".base_dn", db.BaseDN, "base_dn is required")
			}
		}
		if strings.ToLower(db.Type) != "static" && strings.ToLower(db.Type) != "file" && db.Query == "" && db.Filter == "" {
			result.AddWarning(name+".query", db.Query, "no query configured, the built-in default is used")
		}
	}

	if c.Userdb.Type == "" {
		result.AddError("userdb.type", c.Userdb.Type, "a userdb is required")
	}
	if c.Server.Proxy && c.Passdb.Type == "" {
		result.AddError("passdb.type", c.Passdb.Type, "proxy mode requires a passdb")
	}
	if !c.Server.Proxy && c.Passdb.Type != "" {
		result.AddWarning("passdb.type", c.Passdb.Type, "passdb is only consulted when server.proxy is enabled")
	}
}

func (c *Config) validateAdmission(result *ValidationResult) {
	ad := &c.Admission
	if ad.Type != "" && !contains(admission.Types, strings.ToLower(ad.Type)) {
		result.AddError("admission.type", ad.Type, fmt.Sprintf("unsupported type, must be one of %s", strings.Join(admission.Types, ", ")))
	}
	if ad.Port < 0 || ad.Port > 65535 {
		result.AddError("admission.port", ad.Port, "port out of range")
	}
	if ad.TTL.Duration < 0 {
		result.AddError("admission.ttl", ad.TTL, "ttl cannot be negative")
	}
	if c.Server.UserConcurrencyLimit > 0 && (ad.Type == "" || strings.EqualFold(ad.Type, "memory")) {
		result.AddWarning("admission.type", ad.Type, "the memory counter only sees deliveries of this process")
	}
}

func (c *Config) validateStorage(result *ValidationResult) {
	st := &c.Storage
	if !contains(store.Types, strings.ToLower(st.Type)) {
		result.AddError("storage.type", st.Type, fmt.Sprintf("unsupported type, must be one of %s", strings.Join(store.Types, ", ")))
	}
	if st.Path == "" {
		result.AddError("storage.path", st.Path, "path is required")
	}
	if st.Autoexpunge.Duration < 0 {
		result.AddError("storage.autoexpunge", st.Autoexpunge, "autoexpunge cannot be negative")
	}
}

func (c *Config) validateLogging(result *ValidationResult) {
	if _, err := logging.StringToLevel(c.Logging.Level); err != nil && c.Logging.Level != "" {
		result.AddError("logging.level", c.Logging.Level, "must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		result.AddError("logging.format", c.Logging.Format, "must be json or text")
	}
}

func (c *Config) validateAPI(result *ValidationResult) {
	if c.API.Enabled && !isValidListenAddress(c.API.Listen) {
		result.AddError("api.listen", c.API.Listen, "invalid listen address, expected host:port or :port")
	}
	if c.API.Enabled && c.API.Listen == c.Server.Listen {
		result.AddError("api.listen", c.API.Listen, "api and lmtp cannot share a listen address")
	}
}

// validateFilePermissions warns when a file holding credentials can be read
// by other users.
func (c *Config) validateFilePermissions(result *ValidationResult) {
	if c.path == "" {
		return
	}
	if c.Passdb.BindPassword == "" && c.Userdb.BindPassword == "" && c.Admission.Password == "" &&
		!strings.Contains(c.Passdb.DSN, "@") && !strings.Contains(c.Userdb.DSN, "@") {
		return
	}
	info, err := os.Stat(c.path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o044 != 0 {
		result.AddWarning("config", c.path, fmt.Sprintf("file contains credentials but has mode %o, use 0600", info.Mode().Perm()))
	}
}

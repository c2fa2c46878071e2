package lmtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

const letsEncryptStaging = "https://acme-staging-v02.api.letsencrypt.org/directory"

// TLSManager provides the server side of STARTTLS.
type TLSManager struct {
	config      *TLSConfig
	tlsConfig   *tls.Config
	certManager *autocert.Manager
	logger      *slog.Logger
}

// NewTLSManager creates a TLS manager. It returns nil when TLS is disabled.
func NewTLSManager(config *TLSConfig, logger *slog.Logger) (*TLSManager, error) {
	if config == nil || !config.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &TLSManager{
		config: config,
		logger: logger.With("component", "lmtp-tls"),
	}

	var err error
	m.tlsConfig, err = m.setupTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to set up TLS config: %w", err)
	}
	return m, nil
}

func (m *TLSManager) setupTLSConfig() (*tls.Config, error) {
	minVersion, err := parseTLSVersion(m.config.MinVersion)
	if err != nil {
		return nil, err
	}

	if le := m.config.LetsEncrypt; le != nil && le.Enabled {
		tlsConfig, err := m.setupLetsEncrypt()
		if err != nil {
			return nil, err
		}
		tlsConfig.MinVersion = minVersion
		return tlsConfig, nil
	}

	if m.config.CertFile == "" || m.config.KeyFile == "" {
		return nil, fmt.Errorf("TLS enabled but no certificate files provided")
	}
	cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

func (m *TLSManager) setupLetsEncrypt() (*tls.Config, error) {
	le := m.config.LetsEncrypt
	if le.Domain == "" {
		return nil, fmt.Errorf("let's encrypt enabled but no domain provided")
	}

	cacheDir := le.CacheDir
	if cacheDir == "" {
		cacheDir = "./certs"
	}
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create certificate cache directory: %w", err)
	}

	m.certManager = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(cacheDir),
		HostPolicy: autocert.HostWhitelist(le.Domain),
		Email:      le.Email,
	}
	if le.Staging {
		m.certManager.Client = &acme.Client{DirectoryURL: letsEncryptStaging}
	}
	m.logger.Info("Let's Encrypt enabled", "domain", le.Domain, "staging", le.Staging)
	return m.certManager.TLSConfig(), nil
}

func parseTLSVersion(s string) (uint16, error) {
	switch strings.TrimSpace(s) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported TLS min_version %q", s)
}

// GetTLSConfig returns the server TLS configuration.
func (m *TLSManager) GetTLSConfig() *tls.Config {
	return m.tlsConfig
}

// WrapConnection performs the server handshake on conn within timeout.
func (m *TLSManager) WrapConnection(ctx context.Context, conn net.Conn, timeout time.Duration) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, m.tlsConfig)

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hctx); err != nil {
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

// securityString summarises the negotiated parameters for the Received
// header, e.g. "TLS1.3 with cipher TLS_AES_128_GCM_SHA256 (128/128 bits)".
func securityString(state tls.ConnectionState) string {
	version := strings.ReplaceAll(tls.VersionName(state.Version), " ", "")
	cipher := tls.CipherSuiteName(state.CipherSuite)
	bits := cipherBits(cipher)
	if bits == 0 {
		return fmt.Sprintf("%s with cipher %s", version, cipher)
	}
	return fmt.Sprintf("%s with cipher %s (%d/%d bits)", version, cipher, bits, bits)
}

func cipherBits(name string) int {
	switch {
	case strings.Contains(name, "AES_128"):
		return 128
	case strings.Contains(name, "AES_256"), strings.Contains(name, "CHACHA20"):
		return 256
	}
	return 0
}

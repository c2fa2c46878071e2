package lmtp

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestCertificate creates a self-signed certificate for mx.test.
func writeTestCertificate(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mx.test"},
		DNSNames:     []string{"mx.test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certFile, keyFile
}

func TestNewTLSManager(t *testing.T) {
	m, err := NewTLSManager(nil, testLogger())
	assert.NoError(t, err)
	assert.Nil(t, m)

	m, err = NewTLSManager(&TLSConfig{Enabled: false}, testLogger())
	assert.NoError(t, err)
	assert.Nil(t, m)

	_, err = NewTLSManager(&TLSConfig{Enabled: true}, testLogger())
	assert.Error(t, err, "certificate files required")

	certFile, keyFile := writeTestCertificate(t)
	_, err = NewTLSManager(&TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "0.9"}, testLogger())
	assert.Error(t, err)

	m, err = NewTLSManager(&TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), m.GetTLSConfig().MinVersion)
}

func TestSecurityString(t *testing.T) {
	state := tls.ConnectionState{Version: tls.VersionTLS13, CipherSuite: tls.TLS_AES_128_GCM_SHA256}
	assert.Equal(t, "TLS1.3 with cipher TLS_AES_128_GCM_SHA256 (128/128 bits)", securityString(state))

	state = tls.ConnectionState{Version: tls.VersionTLS12, CipherSuite: tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256}
	assert.Equal(t, "TLS1.2 with cipher TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256 (256/256 bits)", securityString(state))
}

func TestSessionSTARTTLS(t *testing.T) {
	certFile, keyFile := writeTestCertificate(t)
	env := newTestEnv(t, func(cfg *Config, _ *Backends) {
		cfg.TLS = &TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}
	})
	env.userdb.AddUser("alice@example.com", nil)

	c := env.dial(t)
	c.send("LHLO client.example\r\n")
	assert.Contains(t, c.reply(), "250-STARTTLS")
	assert.Equal(t, "220 2.0.0 Begin TLS negotiation now.", c.cmd("STARTTLS"))

	tlsConn := tls.Client(c.conn, &tls.Config{ServerName: "mx.test", InsecureSkipVerify: true})
	require.NoError(t, tlsConn.Handshake())
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)

	c.send("LHLO client.example\r\n")
	assert.NotContains(t, c.reply(), "250-STARTTLS")
	assert.Equal(t, "443 5.5.1 TLS is already active.", c.cmd("STARTTLS"))

	assert.Equal(t, "250 2.1.0 OK", c.cmd("MAIL FROM:<sender@example.org>"))
	assert.Equal(t, "250 2.1.5 OK", c.cmd("RCPT TO:<alice@example.com>"))
	assert.Equal(t, "354 OK", c.cmd("DATA"))
	c.send("secret\r\n.\r\n")
	assert.Regexp(t, `Saved$`, c.line())

	msgs := env.readMessages(t, "alice@example.com")
	require.Len(t, msgs, 1)
	assert.Regexp(t, `\r\n\t\(using TLS1\.[23] with cipher \S+`, msgs[0])
}

func TestSessionSTARTTLSHandshakeFailure(t *testing.T) {
	certFile, keyFile := writeTestCertificate(t)
	env := newTestEnv(t, func(cfg *Config, _ *Backends) {
		cfg.TLS = &TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}
		cfg.HandshakeTimeout = 200 * time.Millisecond
	})

	c := env.dial(t)
	assert.Equal(t, "220 2.0.0 Begin TLS negotiation now.", c.cmd("STARTTLS"))
	c.send("NOOP\r\n")

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.reader.ReadString('\n')
	assert.Error(t, err, "session closed after failed handshake")
}

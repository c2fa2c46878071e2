package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/elemta-lmtp/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Elemta LMTP dev")
	assert.Contains(t, out, "Commit: unknown")
}

func TestConfigGenerateAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "elemta-lmtp.toml")

	out, err := execute(t, "config", "generate", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "config", "generate", path)
	assert.ErrorContains(t, err, "already exists")

	out, err = execute(t, "config", "validate", "--strict", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is VALID")
	assert.Contains(t, out, "Storage: maildir at /var/mail")

	out, err = execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "File: "+path)
}

func TestConfigValidateReportsErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "elemta-lmtp.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
hostname = "mx.example.com"
proxy_ttl = 0

[storage]
type = "mbox"
`), 0600))

	out, err := execute(t, "config", "validate", path)
	assert.ErrorContains(t, err, "2 errors")
	assert.Contains(t, out, "Configuration has ERRORS")
	assert.Contains(t, out, "server.proxy_ttl")
	assert.Contains(t, out, "storage.type")
}

func TestConfigValidateStrict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "elemta-lmtp.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
hostname = "mx.example.com"
max_sise = 1024
`), 0600))

	_, err := execute(t, "config", "validate", path)
	require.NoError(t, err)

	out, err := execute(t, "config", "validate", "--strict", path)
	assert.Error(t, err)
	assert.Contains(t, out, "server.max_sise")
}

func TestBuildServer(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Hostname = "mx.example.com"
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.UserConcurrencyLimit = 2
	cfg.Storage.Path = t.TempDir()

	server, cleanup, err := buildServer(cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, server.Start())
	assert.True(t, server.Stats().Listening)
	require.NoError(t, server.Close())

	cfg.Storage.Type = "mbox"
	_, _, err = buildServer(cfg, testLogger())
	assert.Error(t, err)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

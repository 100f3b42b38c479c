package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[reportbus]
natsurl = "nats://backend-bus:4222"

[debug]
listenaddr = "0.0.0.0:9090"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://backend-bus:4222", cfg.NATSURL)
	assert.Equal(t, "0.0.0.0:9090", cfg.DebugListenAddr)
	// Unset keys keep their defaults.
	assert.Equal(t, Default().CertDir, cfg.CertDir)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[reportbus]
natsurl = "nats://from-file:4222"
`), 0o600))

	t.Setenv("MERIDIAN_REPORTBUS_NATSURL", "nats://from-env:4222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://from-env:4222", cfg.NATSURL)
}

func TestDefaultReportPoll(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, Default().ReportPoll)
}

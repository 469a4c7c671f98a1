package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
transport: sim
strict: true
usb:
  app_product_id: 0x1234
timeouts:
  command: 2s
reconnect:
  max_attempts: 9
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TransportSim, cfg.Transport)
	assert.True(t, cfg.Strict)
	assert.Equal(t, uint16(0x1234), cfg.USB.AppProductID)
	assert.Equal(t, uint16(0xDEDA), cfg.USB.LoaderProductID)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Command)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Sized)
	assert.Equal(t, 9, cfg.Reconnect.MaxAttempts)
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport: serial\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown transport")
}

func TestSetupLoggingVerbose(t *testing.T) {
	old := Verbose
	t.Cleanup(func() {
		Verbose = old
		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(logrus.InfoLevel)
	})

	var buf bytes.Buffer
	Verbose = true
	require.NoError(t, setupLogging(&buf, "warn", false))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	Debugf("hello %d", 7)
	assert.Contains(t, buf.String(), "hello 7")

	Verbose = false
	require.NoError(t, setupLogging(&buf, "warn", false))
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
	assert.Error(t, setupLogging(&buf, "loud", false))
}

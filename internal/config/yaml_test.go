package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfigFile(t, `
server:
  host: 10.0.0.5
  port: "9090"
  readTimeout: 45s
rdp:
  defaultWidth: 1280
  defaultHeight: 720
security:
  skipTLSValidation: true
  useNLA: false
logging:
  level: debug
`)

	cfg, err := LoadYAML(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 1280, cfg.RDP.DefaultWidth)
	assert.Equal(t, 720, cfg.RDP.DefaultHeight)
	assert.True(t, cfg.Security.SkipTLSValidation)
	assert.False(t, cfg.Security.UseNLA)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, 3840, cfg.RDP.MaxWidth)
	assert.Equal(t, "1.2", cfg.Security.MinTLSVersion)
}

func TestLoadYAMLEnvironmentWins(t *testing.T) {
	path := writeConfigFile(t, `
server:
  host: 10.0.0.5
`)

	os.Setenv("SERVER_HOST", "192.168.1.1")
	defer os.Unsetenv("SERVER_HOST")

	cfg, err := LoadYAML(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", cfg.Server.Host)
}

func TestLoadYAMLWithOverridesFlagsWin(t *testing.T) {
	path := writeConfigFile(t, `
server:
  host: 10.0.0.5
logging:
  level: warn
`)

	cfg, err := LoadYAMLWithOverrides(path, LoadOptions{
		Host:     "127.0.0.1",
		LogLevel: "error",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	_, err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Error(t, err)
}

func TestLoadYAMLMalformedFile(t *testing.T) {
	path := writeConfigFile(t, "server: [not a mapping")

	_, err := LoadYAML(path)

	assert.Error(t, err)
}

func TestLoadYAMLInvalidConfigRejected(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: "not-a-port"
`)

	_, err := LoadYAML(path)

	assert.Error(t, err)
}

func TestLoadWithOverridesUsesConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  host: 10.0.0.7
`)

	cfg, err := LoadWithOverrides(LoadOptions{ConfigFile: path})
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.7", cfg.Server.Host)
}

func TestTransportSettingsBridge(t *testing.T) {
	sc := SecurityConfig{
		TLSCertFile:       "/etc/rdp/cert.pem",
		TLSKeyFile:        "/etc/rdp/key.pem",
		TLSServerName:     "rdp.example.com",
		MinTLSVersion:     "1.2",
		SkipTLSValidation: true,
		UseNLA:            true,
	}

	settings := sc.TransportSettings()

	assert.True(t, settings.Authentication)
	assert.Equal(t, "/etc/rdp/cert.pem", settings.CertFile)
	assert.Equal(t, "/etc/rdp/key.pem", settings.PrivateKeyFile)
	assert.Equal(t, "rdp.example.com", settings.ServerName)
	assert.Equal(t, "1.2", settings.MinTLSVersion)
	assert.True(t, settings.SkipTLSValidation)
}

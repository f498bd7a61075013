package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp isolates tests from a marketchat.yaml in the working directory.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port: 8080
db_path: /var/lib/marketchat/chat.db
session_ttl: 48h
mail_gateway_enabled: true
send_rate_per_min: 10
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("SEED_SAMPLE_DATA", "false")
	t.Setenv("SMTP_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, "/var/lib/marketchat/chat.db", cfg.DBPath)
	assert.Equal(t, 48*time.Hour, cfg.SessionTTL)
	assert.True(t, cfg.MailGatewayEnabled)
	assert.Equal(t, 10, cfg.SendRatePerMin)
	assert.False(t, cfg.SeedSampleData)
	assert.Equal(t, 2025, cfg.SMTPPort, "unparsable values fall back")
}

func TestLoadDefaultFileInWorkingDir(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, defaultConfigFile), []byte("log_level: debug\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadErrors(t *testing.T) {
	dir := chdirTemp(t)

	t.Setenv("CONFIG_FILE", filepath.Join(dir, "missing.yaml"))
	_, err := Load()
	assert.Error(t, err, "an explicit config file must exist")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("http_port: [nope"), 0o600))
	t.Setenv("CONFIG_FILE", bad)
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("CONFIG_FILE", "")
	t.Setenv("HTTP_PORT", "70000")
	_, err = Load()
	assert.Error(t, err)
}

package daemon

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pibot.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "pibot", cfg.Name)
	assert.Equal(t, "telegram", cfg.Transport)
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, 62.0, cfg.Monitor.CPUTempThreshold)
	assert.Equal(t, 80.0, cfg.Monitor.RAMThreshold)
	assert.Equal(t, "60s", cfg.Monitor.Interval)
	assert.Equal(t, "wlan1", cfg.Exec.WiFiInterface)
	assert.True(t, cfg.Exec.UseSudo)
	assert.Equal(t, 4096, cfg.Delivery.MaxMessage)
	assert.Equal(t, "https://api.ipify.org", cfg.ExternalIPURL)
	assert.Equal(t, "sqlite", cfg.Audit.Driver)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileMergesOverDefaults(t *testing.T) {
	t.Setenv("PIBOT_TEST_DSN", "postgres://pibot@db/pibot")
	path := writeConfig(t, `{
		"transport": "matrix",
		"matrix": {"homeserver": "https://matrix.example.com", "server_name": "example.com", "password": "pw"},
		"monitor": {"ram_threshold": 90},
		"exec": {"use_sudo": false},
		"audit": {"driver": "postgres", "dsn": "$PIBOT_TEST_DSN"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "matrix", cfg.Transport)
	assert.Equal(t, "pibot", cfg.Matrix.UserID, "default kept")
	assert.Equal(t, 90.0, cfg.Monitor.RAMThreshold)
	assert.Equal(t, 62.0, cfg.Monitor.CPUTempThreshold, "sibling default kept")
	assert.False(t, cfg.Exec.UseSudo)
	assert.Equal(t, "postgres://pibot@db/pibot", cfg.Audit.DSN)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_PrivateOverlay(t *testing.T) {
	path := writeConfig(t, `{"telegram": {"token": "public"}}`)
	overlay := writeConfig(t, `{"telegram": {"token": "secret"}}`)
	t.Setenv("PIBOT_PRIVATE_CONFIG", overlay)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Telegram.Token)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{not json`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram.token")

	cfg.Telegram.Token = "t"
	cfg.Transport = "irc"
	cfg.Audit.Driver = "mongo"
	cfg.Monitor.RAMThreshold = 150
	cfg.Exec.Timeout = "ten minutes"
	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"unknown transport", "unknown audit driver", "percentage", "exec.timeout"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := &Config{LogLevel: "DEBUG"}
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	cfg.LogLevel = "bogus"
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 20*time.Second, Duration("20s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("soon", time.Minute))
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid port - zero",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: true,
		},
		{
			name:    "invalid port - too large",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "unknown platform",
			mutate:  func(c *Config) { c.Platform = "windows" },
			wantErr: true,
		},
		{
			name:    "android platform",
			mutate:  func(c *Config) { c.Platform = "android" },
			wantErr: false,
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Authority.Kind = AuthorityPostgres },
			wantErr: true,
		},
		{
			name: "postgres with dsn",
			mutate: func(c *Config) {
				c.Authority.Kind = AuthorityPostgres
				c.Authority.PostgresDSN = "postgres://localhost/famlink"
			},
			wantErr: false,
		},
		{
			name:    "redis without address",
			mutate:  func(c *Config) { c.Authority.Kind = AuthorityRedis },
			wantErr: true,
		},
		{
			name:    "unknown authority",
			mutate:  func(c *Config) { c.Authority.Kind = "firebase" },
			wantErr: true,
		},
		{
			name:    "zero bridge timeout",
			mutate:  func(c *Config) { c.Bridge.TimeoutMS = 0 },
			wantErr: true,
		},
		{
			name:    "zero push queue",
			mutate:  func(c *Config) { c.Bridge.PushQueueSize = 0 },
			wantErr: true,
		},
		{
			name:    "zero expiry interval",
			mutate:  func(c *Config) { c.Sync.ExpiryIntervalSeconds = 0 },
			wantErr: true,
		},
		{
			name:    "telegram without chats",
			mutate:  func(c *Config) { c.Telegram.BotToken = "token" },
			wantErr: true,
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Telegram.Timezone = "Mars/Olympus" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoad_JSONC(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.jsonc")

	validConfig := `{
		// local API
		"server": {
			"host": "0.0.0.0",
			"port": 8080,
			"api_key": "test-key",
		},
		"database": {"path": "/path/to/db"},
		/* realtime feed */
		"authority": {"kind": "redis", "redis_addr": "localhost:6379"},
		"telegram": {"bot_token": "tok", "chat_ids": [42, 43]},
	}`
	require.NoError(t, os.WriteFile(configPath, []byte(validConfig), 0644))

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "test-key", config.Server.APIKey)
	assert.Equal(t, "/path/to/db", config.Database.Path)
	assert.Equal(t, AuthorityRedis, config.Authority.Kind)
	assert.Equal(t, []int64{42, 43}, config.Telegram.ChatIDs)

	// Unset sections keep their defaults.
	assert.Equal(t, 30*time.Second, config.BridgeTimeout())
	assert.Equal(t, 64, config.Bridge.PushQueueSize)
	assert.Equal(t, 15*time.Second, config.ExpiryInterval())
	assert.Equal(t, "0.0.0.0:8080", config.ListenAddr())
}

func TestLoad_YAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	validConfig := `
server:
  port: 9000
platform: android
authority:
  kind: postgres
  postgres_dsn: postgres://famlink@localhost/famlink
sync:
  expiry_interval_seconds: 5
  retention_days: 7
`
	require.NoError(t, os.WriteFile(configPath, []byte(validConfig), 0644))

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, "127.0.0.1", config.Server.Host)
	assert.Equal(t, "android", config.Platform)
	assert.Equal(t, AuthorityPostgres, config.Authority.Kind)
	assert.Equal(t, 5*time.Second, config.ExpiryInterval())
	assert.Equal(t, 7*24*time.Hour, config.Retention())
}

func TestLoad_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := Load("/nonexistent/config.json")
	assert.ErrorIs(t, err, ErrConfigFileNotFound)

	invalidPath := filepath.Join(tmpDir, "invalid.json")
	require.NoError(t, os.WriteFile(invalidPath, []byte("invalid json"), 0644))
	_, err = Load(invalidPath)
	assert.Error(t, err)

	badPort := filepath.Join(tmpDir, "port.json")
	require.NoError(t, os.WriteFile(badPort, []byte(`{"server": {"port": -1}}`), 0644))
	_, err = Load(badPort)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FAMLINK_HOST", "0.0.0.0")
	t.Setenv("FAMLINK_PORT", "9090")
	t.Setenv("FAMLINK_DB_PATH", "/custom/db/path")
	t.Setenv("FAMLINK_API_KEY", "env-api-key")
	t.Setenv("FAMLINK_AUTHORITY", "redis")
	t.Setenv("FAMLINK_REDIS_ADDR", "redis:6379")
	t.Setenv("FAMLINK_TELEGRAM_TOKEN", "env-bot-token")
	t.Setenv("FAMLINK_TELEGRAM_CHAT_IDS", "1, 2,bogus")

	config, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, "/custom/db/path", config.Database.Path)
	assert.Equal(t, "env-api-key", config.Server.APIKey)
	assert.Equal(t, "redis:6379", config.Authority.RedisAddr)
	assert.Equal(t, "env-bot-token", config.Telegram.BotToken)
	assert.Equal(t, []int64{1, 2}, config.Telegram.ChatIDs)
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	t.Setenv("FAMLINK_AUTHORITY", "postgres")

	_, err := LoadFromEnv()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

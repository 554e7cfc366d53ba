package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// Authority kinds
const (
	AuthorityMemory   = "memory"
	AuthorityPostgres = "postgres"
	AuthorityRedis    = "redis"
)

// Config represents the agent configuration
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Platform  string          `json:"platform" yaml:"platform"` // "ios", "android" or "" for the build default
	Authority AuthorityConfig `json:"authority" yaml:"authority"`
	Bridge    BridgeConfig    `json:"bridge" yaml:"bridge"`
	Sync      SyncConfig      `json:"sync" yaml:"sync"`
	Keyring   KeyringConfig   `json:"keyring" yaml:"keyring"`
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// ServerConfig contains local HTTP API settings
type ServerConfig struct {
	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	APIKey string `json:"api_key" yaml:"api_key"`
}

// DatabaseConfig contains grant record storage settings
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// AuthorityConfig selects and configures the remote grant authority
type AuthorityConfig struct {
	Kind          string `json:"kind" yaml:"kind"`
	PostgresDSN   string `json:"postgres_dsn" yaml:"postgres_dsn"`
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
}

// BridgeConfig contains message bridge settings
type BridgeConfig struct {
	TimeoutMS     int `json:"timeout_ms" yaml:"timeout_ms"`
	PushQueueSize int `json:"push_queue_size" yaml:"push_queue_size"`
}

// SyncConfig contains expiry scheduler settings
type SyncConfig struct {
	ExpiryIntervalSeconds int `json:"expiry_interval_seconds" yaml:"expiry_interval_seconds"`
	RetentionDays         int `json:"retention_days" yaml:"retention_days"`
}

// KeyringConfig selects where the account session is kept
type KeyringConfig struct {
	Backend      string `json:"backend" yaml:"backend"` // empty picks the OS default
	FileDir      string `json:"file_dir" yaml:"file_dir"`
	FilePassword string `json:"file_password" yaml:"file_password"`
}

// TelegramConfig enables parent alerts. Empty BotToken disables them.
type TelegramConfig struct {
	BotToken string  `json:"bot_token" yaml:"bot_token"`
	ChatIDs  []int64 `json:"chat_ids" yaml:"chat_ids"`
	Timezone string  `json:"timezone" yaml:"timezone"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns a configuration that runs against the in-memory authority
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Host: "127.0.0.1", Port: 8787},
		Database:  DatabaseConfig{Path: "./famlink.db"},
		Authority: AuthorityConfig{Kind: AuthorityMemory},
		Bridge:    BridgeConfig{TimeoutMS: 30000, PushQueueSize: 64},
		Sync:      SyncConfig{ExpiryIntervalSeconds: 15, RetentionDays: 30},
		Log:       LogConfig{Level: "info", Format: "auto"},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port", ErrInvalidConfig)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("%w: database path is required", ErrInvalidConfig)
	}

	switch c.Platform {
	case "", "ios", "android":
	default:
		return fmt.Errorf("%w: unknown platform %q", ErrInvalidConfig, c.Platform)
	}

	switch c.Authority.Kind {
	case AuthorityMemory:
	case AuthorityPostgres:
		if c.Authority.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres authority needs postgres_dsn", ErrInvalidConfig)
		}
	case AuthorityRedis:
		if c.Authority.RedisAddr == "" {
			return fmt.Errorf("%w: redis authority needs redis_addr", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown authority kind %q", ErrInvalidConfig, c.Authority.Kind)
	}

	if c.Bridge.TimeoutMS <= 0 {
		return fmt.Errorf("%w: bridge timeout must be positive", ErrInvalidConfig)
	}
	if c.Bridge.PushQueueSize <= 0 {
		return fmt.Errorf("%w: push queue size must be positive", ErrInvalidConfig)
	}
	if c.Sync.ExpiryIntervalSeconds <= 0 {
		return fmt.Errorf("%w: expiry interval must be positive", ErrInvalidConfig)
	}

	if c.Telegram.BotToken != "" && len(c.Telegram.ChatIDs) == 0 {
		return fmt.Errorf("%w: telegram alerts need at least one chat id", ErrInvalidConfig)
	}
	if c.Telegram.Timezone != "" {
		if _, err := time.LoadLocation(c.Telegram.Timezone); err != nil {
			return fmt.Errorf("%w: invalid timezone %s", ErrInvalidConfig, c.Telegram.Timezone)
		}
	}

	return nil
}

// BridgeTimeout returns the bridge request timeout
func (c *Config) BridgeTimeout() time.Duration {
	return time.Duration(c.Bridge.TimeoutMS) * time.Millisecond
}

// ExpiryInterval returns how often due grants are expired
func (c *Config) ExpiryInterval() time.Duration {
	return time.Duration(c.Sync.ExpiryIntervalSeconds) * time.Second
}

// Retention returns how long terminal grant records are kept. Zero keeps
// them forever.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Sync.RetentionDays) * 24 * time.Hour
}

// ListenAddr returns host:port for the local API
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Load reads a configuration file over the defaults. Files ending in .yaml
// or .yml are YAML; anything else is JSON with comments and trailing commas.
// FAMLINK_* environment variables override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	applyEnv(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Parse decodes data over the defaults without reading the environment.
// ext selects the format the same way Load does.
func Parse(data []byte, ext string) (*Config, error) {
	config := Default()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	return config, nil
}

// LoadFromEnv loads configuration from environment variables
// This is useful for containerized deployments
func LoadFromEnv() (*Config, error) {
	config := Default()
	applyEnv(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(c *Config) {
	c.Server.Host = getEnv("FAMLINK_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("FAMLINK_PORT", c.Server.Port)
	c.Server.APIKey = getEnv("FAMLINK_API_KEY", c.Server.APIKey)
	c.Database.Path = getEnv("FAMLINK_DB_PATH", c.Database.Path)
	c.Platform = getEnv("FAMLINK_PLATFORM", c.Platform)

	c.Authority.Kind = getEnv("FAMLINK_AUTHORITY", c.Authority.Kind)
	c.Authority.PostgresDSN = getEnv("FAMLINK_POSTGRES_DSN", c.Authority.PostgresDSN)
	c.Authority.RedisAddr = getEnv("FAMLINK_REDIS_ADDR", c.Authority.RedisAddr)
	c.Authority.RedisPassword = getEnv("FAMLINK_REDIS_PASSWORD", c.Authority.RedisPassword)
	c.Authority.RedisDB = getEnvInt("FAMLINK_REDIS_DB", c.Authority.RedisDB)

	c.Bridge.TimeoutMS = getEnvInt("FAMLINK_BRIDGE_TIMEOUT_MS", c.Bridge.TimeoutMS)
	c.Sync.ExpiryIntervalSeconds = getEnvInt("FAMLINK_EXPIRY_INTERVAL", c.Sync.ExpiryIntervalSeconds)

	c.Keyring.Backend = getEnv("FAMLINK_KEYRING_BACKEND", c.Keyring.Backend)
	c.Keyring.FileDir = getEnv("FAMLINK_KEYRING_DIR", c.Keyring.FileDir)
	c.Keyring.FilePassword = getEnv("FAMLINK_KEYRING_PASSWORD", c.Keyring.FilePassword)

	c.Telegram.BotToken = getEnv("FAMLINK_TELEGRAM_TOKEN", c.Telegram.BotToken)
	if ids := os.Getenv("FAMLINK_TELEGRAM_CHAT_IDS"); ids != "" {
		c.Telegram.ChatIDs = parseChatIDs(ids)
	}
	c.Telegram.Timezone = getEnv("FAMLINK_TIMEZONE", c.Telegram.Timezone)

	c.Log.Level = getEnv("FAMLINK_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("FAMLINK_LOG_FORMAT", c.Log.Format)
}

func parseChatIDs(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// Package config loads client and server settings from defaults, an optional
// .env file and REPORTSYNC_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable.
const EnvPrefix = "REPORTSYNC"

// Store backends accepted by the store key.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds the sync client settings.
type Config struct {
	Endpoint      string
	Token         string
	DataDir       string
	Store         string
	RedisURL      string
	BatchSize     int
	MaxRetries    int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	ProbeInterval time.Duration
	SyncInterval  time.Duration
	APIAddr       string
	LogLevel      string
}

// ServerConfig holds the batch endpoint settings.
type ServerConfig struct {
	ServerPort  string
	DatabaseURL string
	JWTSecret   string
	JWTExpiry   time.Duration
	// EnrollmentKeyHash is the bcrypt hash of the shared key devices trade
	// for a token. Empty disables enrollment.
	EnrollmentKeyHash string
	LogLevel          string
}

// New returns a viper instance with defaults, the values of dotEnvPath (when
// the file exists) and automatic environment lookup. Environment variables
// win over the file, the file wins over defaults.
func New(dotEnvPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("endpoint", "")
	v.SetDefault("token", "")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("store", StoreSQLite)
	v.SetDefault("redis_url", "")
	v.SetDefault("batch_size", 20)
	v.SetDefault("max_retries", 5)
	v.SetDefault("base_backoff", 2*time.Second)
	v.SetDefault("max_backoff", time.Hour)
	v.SetDefault("probe_interval", 30*time.Second)
	v.SetDefault("sync_interval", 5*time.Minute)
	v.SetDefault("api_addr", "127.0.0.1:8090")
	v.SetDefault("log_level", "info")

	v.SetDefault("server_port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("jwt_expiry", 24*time.Hour)
	v.SetDefault("enrollment_key_hash", "")

	if dotEnvPath != "" {
		if err := loadDotEnv(v, dotEnvPath); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v, nil
}

// loadDotEnv layers REPORTSYNC_* entries of path over the defaults. A missing
// file is ignored.
func loadDotEnv(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config.os.Stat(%s): %w", path, err)
	}

	values, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("config.godotenv(%s): %w", path, err)
	}
	prefix := EnvPrefix + "_"
	for k, val := range values {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		v.SetDefault(strings.ToLower(strings.TrimPrefix(k, prefix)), val)
	}
	return nil
}

// Load reads the client settings from v and validates them.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Endpoint:      strings.TrimSpace(v.GetString("endpoint")),
		Token:         v.GetString("token"),
		DataDir:       v.GetString("data_dir"),
		Store:         strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		RedisURL:      v.GetString("redis_url"),
		BatchSize:     v.GetInt("batch_size"),
		MaxRetries:    v.GetInt("max_retries"),
		BaseBackoff:   v.GetDuration("base_backoff"),
		MaxBackoff:    v.GetDuration("max_backoff"),
		ProbeInterval: v.GetDuration("probe_interval"),
		SyncInterval:  v.GetDuration("sync_interval"),
		APIAddr:       v.GetString("api_addr"),
		LogLevel:      v.GetString("log_level"),
	}

	switch cfg.Store {
	case StoreSQLite:
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir is required for the sqlite store")
		}
	case StoreRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis_url is required for the redis store")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("unknown store %q: want sqlite, redis or memory", cfg.Store)
	}

	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch_size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.MaxRetries <= 0 {
		return nil, fmt.Errorf("max_retries must be positive, got %d", cfg.MaxRetries)
	}
	if cfg.BaseBackoff <= 0 || cfg.MaxBackoff < cfg.BaseBackoff {
		return nil, fmt.Errorf("invalid backoff window %s..%s", cfg.BaseBackoff, cfg.MaxBackoff)
	}

	return cfg, nil
}

// Configured reports whether a sync endpoint is set.
func (c *Config) Configured() bool {
	return c.Endpoint != ""
}

// LoadServer reads the batch endpoint settings from v and validates them.
func LoadServer(v *viper.Viper) (*ServerConfig, error) {
	cfg := &ServerConfig{
		ServerPort:  v.GetString("server_port"),
		DatabaseURL: v.GetString("database_url"),
		JWTSecret:   v.GetString("jwt_secret"),
		JWTExpiry:   v.GetDuration("jwt_expiry"),
		LogLevel:    v.GetString("log_level"),

		EnrollmentKeyHash: v.GetString("enrollment_key_hash"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt_secret is required")
	}
	if cfg.JWTExpiry <= 0 {
		return nil, fmt.Errorf("jwt_expiry must be positive, got %s", cfg.JWTExpiry)
	}
	return cfg, nil
}

// Package config loads the application configuration from a YAML file and
// CARAVEL_-prefixed environment variables, with defaults set in code.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ServerConfig defines the HTTP server settings.
type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// PoolConfig sizes the database connection pool. The sqlite driver clamps
// max_open to a single writer connection regardless of this setting.
type PoolConfig struct {
	MaxOpen int `mapstructure:"max_open"`
	MaxIdle int `mapstructure:"max_idle"`
}

// DatabaseConfig selects the dialect and its connection settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Pool            PoolConfig    `mapstructure:"pool"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	TxGuardMode     string        `mapstructure:"tx_guard_mode"`
	MigrationsAuto  bool          `mapstructure:"migrations_auto"`
}

// SweeperConfig tunes the delivery retry sweeper.
type SweeperConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
	Lease       time.Duration `mapstructure:"lease"`
}

// DispatchConfig tunes the event dispatcher.
type DispatchConfig struct {
	Sweeper     SweeperConfig `mapstructure:"sweeper"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	// Fanout bounds how many routes one event is delivered to at once.
	Fanout int `mapstructure:"fanout"`
}

// UploadsConfig bounds deliverable file attachments.
type UploadsConfig struct {
	Root          string `mapstructure:"root"`
	MaxFileBytes  int64  `mapstructure:"max_file_bytes"`
	MaxTotalBytes int64  `mapstructure:"max_total_bytes"`
}

// AuthConfig holds the session and credential-encryption secrets.
type AuthConfig struct {
	SessionSecret string        `mapstructure:"session_secret"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	EncryptionKey string        `mapstructure:"encryption_key"`
}

// RedisConfig connects the optional redis identity cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig selects the identity cache backend.
type CacheConfig struct {
	Type  string        `mapstructure:"type"`
	TTL   time.Duration `mapstructure:"ttl"`
	Redis RedisConfig   `mapstructure:"redis"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config holds the complete application configuration.
type Config struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Dispatch    DispatchConfig `mapstructure:"dispatch"`
	Uploads     UploadsConfig  `mapstructure:"uploads"`
	Auth        AuthConfig     `mapstructure:"auth"`
	Cache       CacheConfig    `mapstructure:"cache"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
}

// Load reads configuration from path (or CARAVEL_CONFIG_FILE, or the
// default configs/caravel.yaml), then applies CARAVEL_* environment
// overrides. A missing config file is not an error; defaults and
// environment variables carry a full configuration on their own.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("CARAVEL_CONFIG_FILE")
	}
	if path == "" {
		path = "configs/caravel.yaml"
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("CARAVEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrapf(err, "failed to read config file %s", path)
			}
		}
	}

	processEnvExpansion(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// Validate checks the settings a running server cannot do without.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return errors.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Database.TxGuardMode {
	case "error", "warn":
	default:
		return errors.Errorf("database.tx_guard_mode must be error or warn, got %q", c.Database.TxGuardMode)
	}
	if c.Auth.SessionSecret == "" {
		return errors.New("auth.session_secret is required")
	}
	if c.Auth.EncryptionKey == "" {
		return errors.New("auth.encryption_key is required")
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return errors.Errorf("cache.type must be memory or redis, got %q", c.Cache.Type)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 90*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/caravel.db")
	v.SetDefault("database.pool.max_open", 16)
	v.SetDefault("database.pool.max_idle", 8)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.tx_guard_mode", "error")
	v.SetDefault("database.migrations_auto", true)

	v.SetDefault("dispatch.sweeper.interval", 5*time.Second)
	v.SetDefault("dispatch.sweeper.batch_size", 25)
	v.SetDefault("dispatch.sweeper.concurrency", 4)
	v.SetDefault("dispatch.sweeper.lease", time.Minute)
	v.SetDefault("dispatch.http_timeout", 10*time.Second)
	v.SetDefault("dispatch.fanout", 8)

	v.SetDefault("uploads.root", "data/uploads")
	v.SetDefault("uploads.max_file_bytes", int64(10*1024*1024))
	v.SetDefault("uploads.max_total_bytes", int64(50*1024*1024))

	v.SetDefault("auth.session_secret", "")
	v.SetDefault("auth.session_ttl", 720*time.Hour)
	v.SetDefault("auth.encryption_key", "")

	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)

	v.SetDefault("metrics.enabled", true)
}

// processEnvExpansion rewrites string values containing ${VAR} or
// ${VAR:-default} references with their environment expansion.
func processEnvExpansion(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if value == "" || !strings.Contains(value, "${") {
			continue
		}
		if expanded := expandEnvVars(value); expanded != value {
			v.Set(key, expanded)
		}
	}
}

func expandEnvVars(value string) string {
	result := value
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		rel := strings.Index(result[start:], "}")
		if rel == -1 {
			break
		}
		end := start + rel

		ref := result[start+2 : end]
		name, fallback := ref, ""
		if i := strings.Index(ref, ":-"); i >= 0 {
			name, fallback = ref[:i], ref[i+2:]
		}
		replacement := os.Getenv(name)
		if replacement == "" {
			replacement = fallback
		}
		result = result[:start] + replacement + result[end+1:]
	}
	return result
}

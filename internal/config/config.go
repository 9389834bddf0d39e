// Package config loads taskify settings from a YAML file and TASKIFY_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full settings tree.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Reminder  ReminderConfig  `mapstructure:"reminder"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

// StorageConfig locates the persisted local state.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // file or sqlite
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
	Watch     bool   `mapstructure:"watch"`
}

// RemoteConfig selects the remote document store.
type RemoteConfig struct {
	Backend   string        `mapstructure:"backend"` // http, redis or none
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Principal string        `mapstructure:"principal"`
	Redis     RedisConfig   `mapstructure:"redis"`
}

// RedisConfig addresses a Redis-backed remote store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// SyncConfig tunes reconciliation.
type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Concurrency   int           `mapstructure:"concurrency"`
	RetryDeletes  bool          `mapstructure:"retry_deletes"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// ReminderConfig controls due-date reminders.
type ReminderConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Lead    time.Duration `mapstructure:"lead"`
}

// DashboardConfig controls the status websocket.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ServerConfig configures `taskify serve`.
type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	Backend string `mapstructure:"backend"` // memory, sqlite or redis
	DBPath  string `mapstructure:"db_path"`
}

// LogConfig configures log output. An empty File means stderr.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Dir returns the taskify home directory (~/.taskify).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskify"
	}
	return filepath.Join(home, ".taskify")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	dir := Dir()

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.path", filepath.Join(dir, "taskify-storage.json"))
	v.SetDefault("storage.namespace", "taskify-storage")
	v.SetDefault("storage.watch", true)

	v.SetDefault("remote.backend", "http")
	v.SetDefault("remote.url", "http://localhost:8787")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("remote.principal", "")
	v.SetDefault("remote.redis.addr", "localhost:6379")
	v.SetDefault("remote.redis.password", "")
	v.SetDefault("remote.redis.db", 0)
	v.SetDefault("remote.redis.prefix", "taskify:")

	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.retry_deletes", true)
	v.SetDefault("sync.probe_interval", 15*time.Second)

	v.SetDefault("reminder.enabled", true)
	v.SetDefault("reminder.lead", 30*time.Minute)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.backend", "memory")
	v.SetDefault("server.db_path", filepath.Join(dir, "remote.db"))

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
}

// Load reads the config file at path, or the default location if path is
// empty, and overlays TASKIFY_* environment variables (TASKIFY_SYNC_INTERVAL
// sets sync.interval). A missing default file is not an error; a missing
// explicit file is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKIFY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	file := ""
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		file = path
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to open config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = file

	cfg.Storage.Path = expandHome(cfg.Storage.Path)
	cfg.Server.DBPath = expandHome(cfg.Server.DBPath)
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerations and ranges.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("storage.backend must be file or sqlite, got %q", c.Storage.Backend)
	}
	switch c.Remote.Backend {
	case "http", "redis", "none":
	default:
		return fmt.Errorf("remote.backend must be http, redis or none, got %q", c.Remote.Backend)
	}
	switch c.Server.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("server.backend must be memory, sqlite or redis, got %q", c.Server.Backend)
	}
	if c.Sync.Interval < time.Second {
		return fmt.Errorf("sync.interval must be at least 1s, got %s", c.Sync.Interval)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be positive, got %d", c.Sync.Concurrency)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive, got %s", c.Remote.Timeout)
	}
	return nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Package config loads engine configuration from a YAML file, a .env file
// and OFFLINESYNC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	offsync "github.com/kimhsiao/offlinesync/internal/sync"
)

// EnvPrefix prefixes every environment override, e.g. OFFLINESYNC_API_BASE_URL.
const EnvPrefix = "OFFLINESYNC"

// NotificationsConfig holds notification limits.
type NotificationsConfig struct {
	MaxVisible      int           `mapstructure:"max_visible" yaml:"max_visible"`
	MaxErrorHistory int           `mapstructure:"max_error_history" yaml:"max_error_history"`
	DedupeWindow    time.Duration `mapstructure:"dedupe_window" yaml:"dedupe_window"`
}

// APIConfig describes the backend the queue drains into.
type APIConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// TokenKey names the keyring entry holding the bearer token. Empty
	// sends requests without credentials.
	TokenKey string `mapstructure:"token_key" yaml:"token_key"`
}

// ServerConfig holds the local HTTP surface settings.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// StorageConfig holds local persistence settings.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Config is the top-level configuration.
type Config struct {
	EnableOfflineMode    bool          `mapstructure:"enable_offline_mode" yaml:"enable_offline_mode"`
	EnableBackgroundSync bool          `mapstructure:"enable_background_sync" yaml:"enable_background_sync"`
	MaxRetries           int           `mapstructure:"max_retries" yaml:"max_retries"` // Attempts before a request fails terminally; at least 1
	SyncInterval         time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
	EnablePing           bool          `mapstructure:"enable_ping" yaml:"enable_ping"`
	PingInterval         time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PingURL              string        `mapstructure:"ping_url" yaml:"ping_url"`
	ProbeTimeout         time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	BackoffBase          time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMultiplier    float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	BackoffMax           time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	MaxQueueSize         int           `mapstructure:"max_queue_size" yaml:"max_queue_size"`

	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
	API           APIConfig           `mapstructure:"api" yaml:"api"`
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Storage       StorageConfig       `mapstructure:"storage" yaml:"storage"`
	Log           LogConfig           `mapstructure:"log" yaml:"log"`
}

// DefaultPath returns ~/.config/offlinesync/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "offlinesync", "config.yaml")
}

// DefaultDataDir returns ~/.local/share/offlinesync.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "data")
	}
	return filepath.Join(home, ".local", "share", "offlinesync")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("enable_offline_mode", true)
	v.SetDefault("enable_background_sync", true)
	v.SetDefault("max_retries", 3)
	v.SetDefault("sync_interval", "30s")
	v.SetDefault("enable_ping", true)
	v.SetDefault("ping_interval", "5s")
	v.SetDefault("ping_url", "")
	v.SetDefault("probe_timeout", "3s")
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("backoff_base", "1s")
	v.SetDefault("backoff_multiplier", 2.0)
	v.SetDefault("backoff_max", "5m")
	v.SetDefault("max_queue_size", 10000)

	v.SetDefault("notifications.max_visible", 5)
	v.SetDefault("notifications.max_error_history", 50)
	v.SetDefault("notifications.dedupe_window", "10s")

	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token_key", "")
	v.SetDefault("server.listen_addr", "127.0.0.1:8787")
	v.SetDefault("storage.data_dir", DefaultDataDir())
	v.SetDefault("log.level", "info")
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads configuration. A missing file at path yields defaults; an
// empty path skips the file. A .env file in the working directory is loaded
// first and never overrides variables already set in the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
				return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, fmt.Sprintf("reading config %s", path), err)
			}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "parsing config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.MaxRetries > 0, "max_retries must be at least 1")
	check(c.SyncInterval > 0, "sync_interval must be positive")
	check(c.PingInterval > 0, "ping_interval must be positive")
	check(c.ProbeTimeout > 0, "probe_timeout must be positive")
	check(c.RequestTimeout > 0, "request_timeout must be positive")
	check(c.BackoffBase > 0, "backoff_base must be positive")
	check(c.BackoffMultiplier >= 1, "backoff_multiplier must be at least 1")
	check(c.BackoffMax >= c.BackoffBase, "backoff_max must not be below backoff_base")
	check(c.MaxQueueSize > 0, "max_queue_size must be positive")
	check(c.Notifications.MaxVisible > 0, "notifications.max_visible must be positive")
	check(c.Notifications.MaxErrorHistory > 0, "notifications.max_error_history must be positive")
	check(c.Notifications.DedupeWindow >= 0, "notifications.dedupe_window must not be negative")
	check(c.Storage.DataDir != "", "storage.data_dir is required")

	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		check(err == nil && u.Scheme != "" && u.Host != "", "api.base_url must be an absolute URL")
	}
	if c.PingURL != "" {
		u, err := url.Parse(c.PingURL)
		check(err == nil && u.Scheme != "" && u.Host != "", "ping_url must be an absolute URL")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ProbeURL returns the URL probed for reachability: ping_url, or the API
// base URL when unset.
func (c *Config) ProbeURL() string {
	if c.PingURL != "" {
		return c.PingURL
	}
	return c.API.BaseURL
}

// Engine maps the configuration onto the engine's component settings.
func (c *Config) Engine() offsync.Config {
	ec := offsync.DefaultConfig()
	ec.EnableOfflineMode = c.EnableOfflineMode

	ec.Network.EnablePing = c.EnablePing && c.ProbeURL() != ""
	ec.Network.PingInterval = c.PingInterval
	ec.Network.ProbeTimeout = c.ProbeTimeout

	ec.Queue.MaxSize = c.MaxQueueSize
	ec.Queue.DefaultMaxRetries = c.MaxRetries

	ec.Scheduler.AutoSync = c.EnableBackgroundSync
	ec.Scheduler.SyncInterval = c.SyncInterval
	ec.Scheduler.RequestTimeout = c.RequestTimeout
	ec.Scheduler.BackoffBase = c.BackoffBase
	ec.Scheduler.BackoffMultiplier = c.BackoffMultiplier
	ec.Scheduler.BackoffMax = c.BackoffMax
	ec.Scheduler.MaxErrorHistory = c.Notifications.MaxErrorHistory

	ec.Notify.MaxVisible = c.Notifications.MaxVisible
	ec.Notify.MaxErrorHistory = c.Notifications.MaxErrorHistory
	ec.Notify.DedupeWindow = c.Notifications.DedupeWindow
	return ec
}

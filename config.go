package boxd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete daemon configuration, loaded from
// ~/.boxd/config.yaml (or an explicit path) with BOXD_* environment
// overrides.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Listen is the address the API and proxy listen on.
	Listen string `mapstructure:"listen"`
}

// SessionConfig controls session admission and lifetime.
type SessionConfig struct {
	// MaxSessions is the concurrency ceiling for active plus
	// provisioning sessions.
	MaxSessions int `mapstructure:"max_sessions"`
	// DefaultTTLSeconds is the lifetime applied when a request carries
	// no TTL.
	DefaultTTLSeconds int `mapstructure:"default_ttl_seconds"`
	// MinTTLSeconds and MaxTTLSeconds bound caller-supplied TTLs and
	// extension amounts.
	MinTTLSeconds int `mapstructure:"min_ttl_seconds"`
	MaxTTLSeconds int `mapstructure:"max_ttl_seconds"`
	// SweepIntervalSeconds is how often the expired-session sweep runs.
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
}

// RuntimeConfig controls container provisioning.
type RuntimeConfig struct {
	// Image is the default browser image.
	Image string `mapstructure:"image"`
	// ContainerPort is the port the browser listens on inside the container.
	ContainerPort int `mapstructure:"container_port"`
	// ShmSize is the shared memory size for browser containers.
	ShmSize string `mapstructure:"shm_size"`
	// StopGraceSeconds is the SIGTERM grace before the runtime kills.
	StopGraceSeconds int `mapstructure:"stop_grace_seconds"`
	// AwaitTimeoutMs is how long to wait for the published host port.
	AwaitTimeoutMs int `mapstructure:"await_timeout_ms"`
	// AwaitIntervalMs is the port poll interval.
	AwaitIntervalMs int `mapstructure:"await_interval_ms"`
	// ProfilesDir is the launch profile directory; empty uses
	// ~/.boxd/profiles.
	ProfilesDir string `mapstructure:"profiles_dir"`
}

// StoreConfig controls the durable session mirror.
type StoreConfig struct {
	// Path is the SQLite database file; empty uses ~/.boxd/sessions.db.
	// "off" disables durability entirely.
	Path string `mapstructure:"path"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is "text" or "json".
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: "127.0.0.1:8090",
		},
		Session: SessionConfig{
			MaxSessions:          10,
			DefaultTTLSeconds:    300,
			MinTTLSeconds:        60,
			MaxTTLSeconds:        3600,
			SweepIntervalSeconds: 30,
		},
		Runtime: RuntimeConfig{
			Image:            "browserless/chrome:latest",
			ContainerPort:    3000,
			ShmSize:          "1g",
			StopGraceSeconds: 10,
			AwaitTimeoutMs:   10000,
			AwaitIntervalMs:  250,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads the configuration from path, or from ~/.boxd/config.yaml
// when path is empty. A missing config file is not an error; defaults and
// BOXD_* environment variables still apply.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			v.AddConfigPath(filepath.Join(home, ".boxd"))
			if err := v.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return Config{}, fmt.Errorf("read config: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.listen", d.Server.Listen)

	v.SetDefault("session.max_sessions", d.Session.MaxSessions)
	v.SetDefault("session.default_ttl_seconds", d.Session.DefaultTTLSeconds)
	v.SetDefault("session.min_ttl_seconds", d.Session.MinTTLSeconds)
	v.SetDefault("session.max_ttl_seconds", d.Session.MaxTTLSeconds)
	v.SetDefault("session.sweep_interval_seconds", d.Session.SweepIntervalSeconds)

	v.SetDefault("runtime.image", d.Runtime.Image)
	v.SetDefault("runtime.container_port", d.Runtime.ContainerPort)
	v.SetDefault("runtime.shm_size", d.Runtime.ShmSize)
	v.SetDefault("runtime.stop_grace_seconds", d.Runtime.StopGraceSeconds)
	v.SetDefault("runtime.await_timeout_ms", d.Runtime.AwaitTimeoutMs)
	v.SetDefault("runtime.await_interval_ms", d.Runtime.AwaitIntervalMs)
	v.SetDefault("runtime.profiles_dir", d.Runtime.ProfilesDir)

	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	if c.Session.MaxSessions <= 0 {
		return fmt.Errorf("config: session.max_sessions must be positive")
	}
	if c.Session.MinTTLSeconds <= 0 || c.Session.MaxTTLSeconds < c.Session.MinTTLSeconds {
		return fmt.Errorf("config: TTL bounds must satisfy 0 < min <= max")
	}
	if c.Session.DefaultTTLSeconds < c.Session.MinTTLSeconds || c.Session.DefaultTTLSeconds > c.Session.MaxTTLSeconds {
		return fmt.Errorf("config: session.default_ttl_seconds must be within the TTL bounds")
	}
	if c.Runtime.Image == "" {
		return fmt.Errorf("config: runtime.image is required")
	}
	if c.Runtime.ContainerPort <= 0 || c.Runtime.ContainerPort > 65535 {
		return fmt.Errorf("config: runtime.container_port must be a valid port")
	}
	return nil
}

// DefaultTTL returns the configured default session lifetime.
func (c SessionConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// MinTTL returns the lower TTL bound.
func (c SessionConfig) MinTTL() time.Duration {
	return time.Duration(c.MinTTLSeconds) * time.Second
}

// MaxTTL returns the upper TTL bound.
func (c SessionConfig) MaxTTL() time.Duration {
	return time.Duration(c.MaxTTLSeconds) * time.Second
}

// SweepInterval returns the expired-session sweep interval.
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// StopGrace returns the container stop grace period.
func (c RuntimeConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// AwaitTimeout returns the endpoint await deadline.
func (c RuntimeConfig) AwaitTimeout() time.Duration {
	return time.Duration(c.AwaitTimeoutMs) * time.Millisecond
}

// AwaitInterval returns the endpoint poll interval.
func (c RuntimeConfig) AwaitInterval() time.Duration {
	return time.Duration(c.AwaitIntervalMs) * time.Millisecond
}

// Package config loads treetodo settings from a YAML file, environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TREETODO_SERVER_ADDR.
const EnvPrefix = "TREETODO"

// Server holds relay server settings.
type Server struct {
	Addr           string
	DB             string
	Secret         string
	SessionTTL     time.Duration
	HandoffTimeout time.Duration
	OplogRetention time.Duration
	PruneInterval  time.Duration
}

// Client holds settings of the local task store and its server connection.
type Client struct {
	ServerURL      string
	DB             string
	RetryAttempts  int
	RetryBaseDelay time.Duration
	HandoffTimeout time.Duration
}

// Log holds log output settings.
type Log struct {
	// File enables rotated file output when set.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Stderr     bool
}

// Config is the full configuration.
type Config struct {
	Server Server
	Client Client
	Log    Log

	// Path of the file the configuration was read from, "" for defaults only.
	Path string
}

// Dir returns the per-user configuration directory.
func Dir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "treetodo")
	}
	return "."
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.db", "treetodo-server.db")
	v.SetDefault("server.secret", "")
	v.SetDefault("server.session_ttl", 30*time.Minute)
	v.SetDefault("server.handoff_timeout", 5*time.Second)
	v.SetDefault("server.oplog_retention", time.Duration(0))
	v.SetDefault("server.prune_interval", time.Hour)

	v.SetDefault("client.server_url", "http://localhost:8080")
	v.SetDefault("client.db", filepath.Join(Dir(), "treetodo.db"))
	v.SetDefault("client.retry.attempts", 5)
	v.SetDefault("client.retry.base_delay", 50*time.Millisecond)
	v.SetDefault("client.handoff_timeout", 10*time.Second)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.stderr", true)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("treetodo")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. An explicit path must exist; otherwise a
// missing file means defaults.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: Server{
			Addr:           v.GetString("server.addr"),
			DB:             v.GetString("server.db"),
			Secret:         v.GetString("server.secret"),
			SessionTTL:     v.GetDuration("server.session_ttl"),
			HandoffTimeout: v.GetDuration("server.handoff_timeout"),
			OplogRetention: v.GetDuration("server.oplog_retention"),
			PruneInterval:  v.GetDuration("server.prune_interval"),
		},
		Client: Client{
			ServerURL:      v.GetString("client.server_url"),
			DB:             v.GetString("client.db"),
			RetryAttempts:  v.GetInt("client.retry.attempts"),
			RetryBaseDelay: v.GetDuration("client.retry.base_delay"),
			HandoffTimeout: v.GetDuration("client.handoff_timeout"),
		},
		Log: Log{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Stderr:     v.GetBool("log.stderr"),
		},
		Path: v.ConfigFileUsed(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("server.addr is required")
	case c.Server.SessionTTL <= 0:
		return fmt.Errorf("server.session_ttl must be positive")
	case c.Server.HandoffTimeout <= 0:
		return fmt.Errorf("server.handoff_timeout must be positive")
	case c.Server.OplogRetention < 0:
		return fmt.Errorf("server.oplog_retention cannot be negative")
	case c.Client.ServerURL == "":
		return fmt.Errorf("client.server_url is required")
	case c.Client.RetryAttempts < 1:
		return fmt.Errorf("client.retry.attempts must be at least 1")
	}
	return nil
}

// Watch calls onChange with the new configuration every time the file is
// written. Invalid edits are reported through onError and otherwise ignored.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("ignoring %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

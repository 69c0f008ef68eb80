// Package config loads the settings shared by the client and the relay: defaults set in
// code, an optional YAML file, then BOARDSYNC_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const EnvPrefix = "BOARDSYNC"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Identity  IdentityConfig  `mapstructure:"identity"`
}

type ServerConfig struct {
	URL        string `mapstructure:"url"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// RoomsURL is the base url rooms hang off.
func (s ServerConfig) RoomsURL() string {
	return strings.TrimSuffix(s.URL, "/") + "/" + strings.Trim(s.PathPrefix, "/")
}

type TransportConfig struct {
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	SendBuffer       int           `mapstructure:"send_buffer"`
}

type SyncConfig struct {
	PointerInterval    time.Duration `mapstructure:"pointer_interval"`
	SceneDebounce      time.Duration `mapstructure:"scene_debounce"`
	ViewDebounce       time.Duration `mapstructure:"view_debounce"`
	FullResyncInterval time.Duration `mapstructure:"full_resync_interval"`
}

type PresenceConfig struct {
	IdleAfter time.Duration `mapstructure:"idle_after"`
	AwayAfter time.Duration `mapstructure:"away_after"`
}

type RelayConfig struct {
	Addr           string        `mapstructure:"addr"`
	Database       string        `mapstructure:"database"`
	BackupInterval time.Duration `mapstructure:"backup_interval"`
	RedisAddr      string        `mapstructure:"redis_addr"`
}

type IdentityConfig struct {
	UserID   string `mapstructure:"user_id"`
	Username string `mapstructure:"username"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "http://127.0.0.1:8080")
	v.SetDefault("server.path_prefix", "/rooms")

	v.SetDefault("transport.initial_delay", time.Second)
	v.SetDefault("transport.max_attempts", 5)
	v.SetDefault("transport.handshake_timeout", 10*time.Second)
	v.SetDefault("transport.send_buffer", 256)

	v.SetDefault("sync.pointer_interval", 33*time.Millisecond)
	v.SetDefault("sync.scene_debounce", 300*time.Millisecond)
	v.SetDefault("sync.view_debounce", 300*time.Millisecond)
	v.SetDefault("sync.full_resync_interval", time.Duration(0))

	v.SetDefault("presence.idle_after", time.Minute)
	v.SetDefault("presence.away_after", 5*time.Minute)

	v.SetDefault("relay.addr", "localhost:8080")
	v.SetDefault("relay.database", "relay.sqlite3")
	v.SetDefault("relay.backup_interval", 5*time.Second)
	v.SetDefault("relay.redis_addr", "")

	v.SetDefault("identity.user_id", "")
	v.SetDefault("identity.username", "")
}

// Load reads the configuration. path may be empty, in which case only defaults and the
// environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Identity.UserID == "" {
		cfg.Identity.UserID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Transport.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("transport.max_attempts must be at least 1"))
	}
	if c.Transport.InitialDelay <= 0 {
		errs = append(errs, fmt.Errorf("transport.initial_delay must be positive"))
	}
	if c.Sync.PointerInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync.pointer_interval must be positive"))
	}
	if c.Sync.FullResyncInterval < 0 {
		errs = append(errs, fmt.Errorf("sync.full_resync_interval must not be negative"))
	}
	if c.Presence.AwayAfter < c.Presence.IdleAfter {
		errs = append(errs, fmt.Errorf("presence.away_after must not be below presence.idle_after"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

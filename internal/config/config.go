package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/firebot-tibia/firebot-monitor/internal/domain"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Feed     FeedConfig     `yaml:"feed"`
	Backend  BackendConfig  `yaml:"backend"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Alerts   AlertConfig    `yaml:"alerts"`
	NATS     NATSConfig     `yaml:"nats"`
}

// ServerConfig holds local dashboard HTTP settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	HTTPPort   int    `yaml:"http_port"`
	StaticDir  string `yaml:"static_dir"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds dashboard session settings. PasscodeHash is a bcrypt
// hash of the operator passcode, generated with `firebot passwd`.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
	PasscodeHash  string        `yaml:"passcode_hash"`
}

// FeedConfig holds the guild-stats event stream settings
type FeedConfig struct {
	BaseURL           string        `yaml:"base_url"`
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// BackendConfig holds the remote firebot backend settings (token refresh
// and player upsert RPC)
type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	GuildID string        `yaml:"guild_id"`
	Timeout time.Duration `yaml:"timeout"`
}

// MonitorConfig holds roster pipeline settings
type MonitorConfig struct {
	Mode           domain.MonitorMode `yaml:"mode"`
	World          string             `yaml:"world"`
	TickInterval   time.Duration      `yaml:"tick_interval"`
	DeathRetention time.Duration      `yaml:"death_retention"`
	LevelRetention time.Duration      `yaml:"level_retention"`
}

// AlertConfig holds alert engine and notifier settings
type AlertConfig struct {
	Cooldown       time.Duration `yaml:"cooldown"`
	DebounceWindow time.Duration `yaml:"debounce_window"`
	SoundFile      string        `yaml:"sound_file"`
}

// NATSConfig holds the internal event bus settings. With Embedded set the
// process runs its own NATS server; otherwise URL must point at one.
type NATSConfig struct {
	Embedded bool   `yaml:"embedded"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	URL      string `yaml:"url"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if !cfg.Monitor.Mode.Valid() {
		return nil, fmt.Errorf("invalid monitor mode %q", cfg.Monitor.Mode)
	}

	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8090
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/firebot/monitor.db"
	}

	// Auth defaults
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}

	// Feed defaults
	if cfg.Feed.MaxRetries == 0 {
		cfg.Feed.MaxRetries = 5
	}
	if cfg.Feed.InitialBackoff == 0 {
		cfg.Feed.InitialBackoff = 2 * time.Second
	}
	if cfg.Feed.MaxBackoff == 0 {
		cfg.Feed.MaxBackoff = 30 * time.Second
	}
	if cfg.Feed.DialTimeout == 0 {
		cfg.Feed.DialTimeout = 15 * time.Second
	}
	if cfg.Feed.ReconnectInterval == 0 {
		cfg.Feed.ReconnectInterval = 5 * time.Minute
	}

	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 10 * time.Second
	}

	// Monitor defaults
	if cfg.Monitor.Mode == "" {
		cfg.Monitor.Mode = domain.ModeEnemy
	}
	if cfg.Monitor.TickInterval == 0 {
		cfg.Monitor.TickInterval = time.Second
	}
	if cfg.Monitor.DeathRetention == 0 {
		cfg.Monitor.DeathRetention = 24 * time.Hour
	}
	if cfg.Monitor.LevelRetention == 0 {
		cfg.Monitor.LevelRetention = 24 * time.Hour
	}

	// Alert defaults
	if cfg.Alerts.Cooldown == 0 {
		cfg.Alerts.Cooldown = 30 * time.Second
	}
	if cfg.Alerts.DebounceWindow == 0 {
		cfg.Alerts.DebounceWindow = time.Second
	}

	// NATS defaults: embedded server on loopback
	if cfg.NATS.URL == "" {
		cfg.NATS.Embedded = true
	}
	if cfg.NATS.Host == "" {
		cfg.NATS.Host = "127.0.0.1"
	}
	if cfg.NATS.Port == 0 {
		cfg.NATS.Port = 4299
	}
}

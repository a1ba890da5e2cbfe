// Package config provides configuration management for discobot.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the discobot control plane, one
// section per recognized environment option.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Events   EventsConfig   `mapstructure:"events"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP and SSH listener addresses.
type ServerConfig struct {
	HTTPAddr       string `mapstructure:"httpAddr"`
	SSHAddr        string `mapstructure:"sshAddr"` // empty disables the SSH gateway
	SSHHostKeyPath string `mapstructure:"sshHostKeyPath"`
	ReadTimeout    int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout   int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the storage backend connection string.
type DatabaseConfig struct {
	// URL is a Postgres DSN (postgres://...) or a SQLite path
	// (sqlite:///path/to.db or file:path/to.db). The driver is selected
	// by scheme; see internal/db.
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// AuthConfig holds session authentication configuration.
type AuthConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	SharedSecretSalt string `mapstructure:"sharedSecretSalt"`
}

// SandboxConfig selects and configures the sandbox Provider.
type SandboxConfig struct {
	// Backend is a closed set: "docker", "vm", "mock".
	Backend string `mapstructure:"backend"`
	Image   string `mapstructure:"image"`
}

// ProxyConfig holds subdomain reverse-proxy configuration.
type ProxyConfig struct {
	SubdomainBase string `mapstructure:"subdomainBase"`
}

// EventsConfig holds event retention configuration.
type EventsConfig struct {
	RetentionHours int `mapstructure:"retentionHours"`
}

// DispatchConfig holds dispatcher leader-election configuration.
type DispatchConfig struct {
	// LeaderID optionally overrides the generated instance identity used
	// when acquiring the dispatcher leader lease.
	LeaderID string `mapstructure:"leaderId"`
	// SessionCommitTimeout bounds, in seconds, how long a session_commit
	// job polls for the agent's terminal chunk before failing.
	SessionCommitTimeout int `mapstructure:"sessionCommitTimeout"`
}

// NATSConfig holds the optional NATS event transport configuration. When
// URL is empty the broker relies on its database poller alone for
// cross-process fan-out.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SessionCommitTimeoutDuration returns the commit-poll bound as a
// time.Duration.
func (d *DispatchConfig) SessionCommitTimeoutDuration() time.Duration {
	return time.Duration(d.SessionCommitTimeout) * time.Second
}

// RetentionDuration returns the event retention window as a time.Duration.
func (e *EventsConfig) RetentionDuration() time.Duration {
	return time.Duration(e.RetentionHours) * time.Hour
}

// detectDefaultLogFormat returns "json" under Kubernetes or
// DISCOBOT_ENV=production, and "text" otherwise (human-readable console
// format for terminal/development use).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DISCOBOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.httpAddr", ":3000")
	v.SetDefault("server.sshAddr", ":2222")
	v.SetDefault("server.sshHostKeyPath", "./discobot_host_key")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.url", "sqlite://./discobot.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.sharedSecretSalt", "")

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.image", "discobot/sandbox:latest")

	v.SetDefault("proxy.subdomainBase", "localhost")

	v.SetDefault("events.retentionHours", 72)

	v.SetDefault("dispatch.leaderId", "")
	v.SetDefault("dispatch.sessionCommitTimeout", 600)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "discobot")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations. Environment variables use the prefix DISCOBOT_; the closed
// set of spec config keys (HTTP_ADDR, SSH_ADDR, SSH_HOST_KEY_PATH,
// DB_URL, AUTH_ENABLED, SHARED_SECRET_SALT, SANDBOX_BACKEND,
// SANDBOX_IMAGE, SUBDOMAIN_BASE, EVENT_RETENTION_HOURS, LEADER_ID,
// LOG_LEVEL) are bound explicitly since they don't follow the
// section.key mapstructure layout.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DISCOBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("server.httpAddr", "HTTP_ADDR")
	_ = v.BindEnv("server.sshAddr", "SSH_ADDR")
	_ = v.BindEnv("server.sshHostKeyPath", "SSH_HOST_KEY_PATH")
	_ = v.BindEnv("database.url", "DB_URL")
	_ = v.BindEnv("auth.enabled", "AUTH_ENABLED")
	_ = v.BindEnv("auth.sharedSecretSalt", "SHARED_SECRET_SALT")
	_ = v.BindEnv("sandbox.backend", "SANDBOX_BACKEND")
	_ = v.BindEnv("sandbox.image", "SANDBOX_IMAGE")
	_ = v.BindEnv("proxy.subdomainBase", "SUBDOMAIN_BASE")
	_ = v.BindEnv("events.retentionHours", "EVENT_RETENTION_HOURS")
	_ = v.BindEnv("dispatch.leaderId", "LEADER_ID")
	_ = v.BindEnv("dispatch.sessionCommitTimeout", "SESSION_COMMIT_TIMEOUT")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")

	v.SetConfigName("discobot")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/discobot/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var validSandboxBackends = map[string]bool{"docker": true, "vm": true, "mock": true}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.HTTPAddr == "" {
		errs = append(errs, "server.httpAddr is required")
	}

	if cfg.Database.URL == "" {
		errs = append(errs, "database.url is required")
	}

	if !validSandboxBackends[cfg.Sandbox.Backend] {
		errs = append(errs, "sandbox.backend must be one of: docker, vm, mock")
	}

	if cfg.Auth.Enabled && cfg.Auth.SharedSecretSalt == "" {
		cfg.Auth.SharedSecretSalt = generateDevSalt()
	}

	if cfg.Events.RetentionHours <= 0 {
		errs = append(errs, "events.retentionHours must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSalt generates a per-process salt for development mode when
// SHARED_SECRET_SALT is unset. Every session token hashed under it
// becomes invalid across a restart, so production deployments must set
// it explicitly.
func generateDevSalt() string {
	return "dev-salt-change-in-production-" + fmt.Sprintf("%d", os.Getpid())
}

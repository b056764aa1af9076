// Package config provides configuration management for Burrow.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Burrow host.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	IPC     IPCConfig     `mapstructure:"ipc"`
	Store   StoreConfig   `mapstructure:"store"`
	Secrets SecretsConfig `mapstructure:"secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// SandboxConfig holds sandbox lifecycle configuration.
type SandboxConfig struct {
	// Backend selects the spawn backend: "docker" or "local".
	Backend string `mapstructure:"backend"`

	// DefaultProfile names the sandbox profile used when a group has no
	// container config of its own.
	DefaultProfile string `mapstructure:"defaultProfile"`

	// MainGroup is the folder of the single privileged group. It may
	// act on other groups' resources and keeps read-write mounts when
	// the policy downgrades everyone else.
	MainGroup string `mapstructure:"mainGroup"`

	// DataDir is the root of per-group workspace folders on the host.
	DataDir string `mapstructure:"dataDir"`

	// MaxConcurrent caps the number of sandboxes running at once.
	MaxConcurrent int `mapstructure:"maxConcurrent"`

	TurnTimeout    int `mapstructure:"turnTimeout"`    // seconds, rolling per-chunk
	StartupTimeout int `mapstructure:"startupTimeout"` // seconds, until first stderr byte
	IdleTimeout    int `mapstructure:"idleTimeout"`    // seconds without input before drain
	GraceTimeout   int `mapstructure:"graceTimeout"`   // seconds between drain and hard kill

	// MaxOutputSize caps the diagnostic stdout/stderr buffers, in bytes.
	MaxOutputSize int `mapstructure:"maxOutputSize"`
}

// PolicyConfig holds the mount allowlist policy location.
type PolicyConfig struct {
	// Path points to the allowlist policy JSON file. Loaded once at startup.
	Path string `mapstructure:"path"`
}

// IPCConfig holds the file-directory IPC protocol configuration.
type IPCConfig struct {
	// RootDir contains one subdirectory per group, each with requests/
	// and results/ directories.
	RootDir string `mapstructure:"rootDir"`

	PollInterval  int `mapstructure:"pollInterval"`  // milliseconds
	ClientTimeout int `mapstructure:"clientTimeout"` // seconds, sandbox-side await
}

// StoreConfig holds SQLite persistence configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// SecretsConfig controls which credentials are assembled into the
// ephemeral payload written to a sandbox at spawn.
type SecretsConfig struct {
	// EnvPrefix is stripped from matching environment variables.
	EnvPrefix string `mapstructure:"envPrefix"`

	// Keys lists credential names to resolve for every spawn.
	Keys []string `mapstructure:"keys"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TurnTimeoutDuration returns the rolling turn timeout as a time.Duration.
func (s *SandboxConfig) TurnTimeoutDuration() time.Duration {
	return time.Duration(s.TurnTimeout) * time.Second
}

// StartupTimeoutDuration returns the startup timeout as a time.Duration.
func (s *SandboxConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(s.StartupTimeout) * time.Second
}

// IdleTimeoutDuration returns the idle window as a time.Duration.
func (s *SandboxConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GraceTimeoutDuration returns the drain grace period as a time.Duration.
func (s *SandboxConfig) GraceTimeoutDuration() time.Duration {
	return time.Duration(s.GraceTimeout) * time.Second
}

// PollIntervalDuration returns the IPC watcher poll interval as a time.Duration.
func (i *IPCConfig) PollIntervalDuration() time.Duration {
	return time.Duration(i.PollInterval) * time.Millisecond
}

// ClientTimeoutDuration returns the IPC client await timeout as a time.Duration.
func (i *IPCConfig) ClientTimeoutDuration() time.Duration {
	return time.Duration(i.ClientTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BURROW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8077)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "burrow-host")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "none")

	// Sandbox defaults
	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.defaultProfile", "agent")
	v.SetDefault("sandbox.mainGroup", "main")
	v.SetDefault("sandbox.dataDir", "/var/lib/burrow/groups")
	v.SetDefault("sandbox.maxConcurrent", 3)
	v.SetDefault("sandbox.turnTimeout", 300)
	v.SetDefault("sandbox.startupTimeout", 45)
	v.SetDefault("sandbox.idleTimeout", 600)
	v.SetDefault("sandbox.graceTimeout", 30)
	v.SetDefault("sandbox.maxOutputSize", 2*1024*1024)

	// Policy defaults
	v.SetDefault("policy.path", "/etc/burrow/mounts.json")

	// IPC defaults
	v.SetDefault("ipc.rootDir", "/var/lib/burrow/ipc")
	v.SetDefault("ipc.pollInterval", 250)
	v.SetDefault("ipc.clientTimeout", 60)

	// Store defaults
	v.SetDefault("store.path", "/var/lib/burrow/burrow.db")

	// Secrets defaults
	v.SetDefault("secrets.envPrefix", "BURROW_SECRET_")
	v.SetDefault("secrets.keys", []string{})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BURROW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/burrow/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BURROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/burrow/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	switch cfg.Sandbox.Backend {
	case "docker", "local":
	default:
		errs = append(errs, "sandbox.backend must be one of: docker, local")
	}
	if cfg.Sandbox.MaxConcurrent <= 0 {
		errs = append(errs, "sandbox.maxConcurrent must be positive")
	}
	if cfg.Sandbox.MaxOutputSize <= 0 {
		errs = append(errs, "sandbox.maxOutputSize must be positive")
	}
	if cfg.Sandbox.TurnTimeout <= 0 || cfg.Sandbox.StartupTimeout <= 0 {
		errs = append(errs, "sandbox timeouts must be positive")
	}

	if cfg.IPC.PollInterval <= 0 {
		errs = append(errs, "ipc.pollInterval must be positive")
	}

	if cfg.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

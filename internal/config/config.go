// Package config holds the runtime configuration: defaults, an optional
// YAML overlay, and the CORE_* environment surface applied on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Fabric   FabricConfig   `yaml:"fabric"`
	Registry RegistryConfig `yaml:"registry"`
	Auth     AuthConfig     `yaml:"auth"`
	Store    StoreConfig    `yaml:"store"`
	Events   EventsConfig   `yaml:"events"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	// HTTPAddr is the bind address for the admin API and agent attach endpoint.
	HTTPAddr string `yaml:"http_addr"`

	// AdminToken guards the admin API. Empty disables the admin surface
	// except health and metrics.
	AdminToken string `yaml:"admin_token"`

	// TCPAddr enables the stream-socket tier listener when set.
	TCPAddr string `yaml:"tcp_addr"`

	// SPIFFESocket enables mTLS on the stream tier via the workload API.
	SPIFFESocket string `yaml:"spiffe_socket"`
}

type FabricConfig struct {
	// ListenPath is the unix socket for the kernel-ring tier.
	ListenPath string `yaml:"listen_path"`

	// DataDir holds shared-memory segments, queue files, and spools.
	DataDir string `yaml:"data_dir"`

	SHMSizeMB         int `yaml:"shm_size_mb"`
	DefaultDeadlineMS int `yaml:"default_deadline_ms"`
}

type RegistryConfig struct {
	MaxAgents int `yaml:"max_agents"`
}

type AuthConfig struct {
	SessionTTLSeconds int `yaml:"session_ttl_s"`

	// RedisAddr enables cross-instance revocation fan-out when set.
	RedisAddr string `yaml:"redis_addr"`
}

type StoreConfig struct {
	// URL selects the adapter: postgres://, sqlite://, bolt://, or empty
	// for the in-memory store.
	URL string `yaml:"url"`
}

type EventsConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8080",
		},
		Fabric: FabricConfig{
			DataDir:           "/tmp/core",
			SHMSizeMB:         64,
			DefaultDeadlineMS: 5000,
		},
		Registry: RegistryConfig{
			MaxAgents: 1024,
		},
		Auth: AuthConfig{
			SessionTTLSeconds: 3600,
		},
		Events: EventsConfig{
			PubSubTopic: "core-security-events",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (or CORE_CONFIG_FILE) when present, then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CORE_CONFIG_FILE")
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if cfg.Fabric.ListenPath == "" {
		cfg.Fabric.ListenPath = filepath.Join(cfg.Fabric.DataDir, "core.sock")
	}
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() {
	c.Server.HTTPAddr = getEnv("CORE_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.AdminToken = getEnv("CORE_ADMIN_TOKEN", c.Server.AdminToken)
	c.Server.TCPAddr = getEnv("CORE_TCP_ADDR", c.Server.TCPAddr)
	c.Server.SPIFFESocket = getEnv("CORE_SPIFFE_SOCKET", c.Server.SPIFFESocket)

	c.Fabric.ListenPath = getEnv("CORE_LISTEN_PATH", c.Fabric.ListenPath)
	c.Fabric.DataDir = getEnv("CORE_DATA_DIR", c.Fabric.DataDir)
	c.Fabric.SHMSizeMB = getEnvInt("CORE_SHM_SIZE_MB", c.Fabric.SHMSizeMB)
	c.Fabric.DefaultDeadlineMS = getEnvInt("CORE_DEFAULT_DEADLINE_MS", c.Fabric.DefaultDeadlineMS)

	c.Registry.MaxAgents = getEnvInt("CORE_MAX_AGENTS", c.Registry.MaxAgents)

	c.Auth.SessionTTLSeconds = getEnvInt("CORE_SESSION_TTL_S", c.Auth.SessionTTLSeconds)
	c.Auth.RedisAddr = getEnv("CORE_REDIS_ADDR", c.Auth.RedisAddr)

	c.Store.URL = getEnv("CORE_STORE_URL", c.Store.URL)

	c.Events.PubSubProject = getEnv("CORE_PUBSUB_PROJECT", c.Events.PubSubProject)
	c.Events.PubSubTopic = getEnv("CORE_PUBSUB_TOPIC", c.Events.PubSubTopic)

	c.Log.Level = getEnv("CORE_LOG_LEVEL", c.Log.Level)
}

func (c *Config) validate() error {
	if c.Registry.MaxAgents <= 0 {
		return fmt.Errorf("max_agents must be positive, got %d", c.Registry.MaxAgents)
	}
	if c.Fabric.SHMSizeMB <= 0 {
		return fmt.Errorf("shm_size_mb must be positive, got %d", c.Fabric.SHMSizeMB)
	}
	if c.Fabric.DefaultDeadlineMS <= 0 {
		return fmt.Errorf("default_deadline_ms must be positive, got %d", c.Fabric.DefaultDeadlineMS)
	}
	if c.Auth.SessionTTLSeconds <= 0 {
		return fmt.Errorf("session_ttl_s must be positive, got %d", c.Auth.SessionTTLSeconds)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// DefaultDeadline is the deadline applied to messages that omit one.
func (c *Config) DefaultDeadline() time.Duration {
	return time.Duration(c.Fabric.DefaultDeadlineMS) * time.Millisecond
}

// SessionTTL is the lifetime of issued session tokens.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Auth.SessionTTLSeconds) * time.Second
}

// SHMSize is the shared-memory segment size in bytes.
func (c *Config) SHMSize() int {
	return c.Fabric.SHMSizeMB << 20
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

package quill

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config groups the settings for a peer process: where state lives, how
// payloads are sealed, how to reach (or run) a relay, and optional
// snapshot backup.
type Config struct {
	// Storage holds peer state persistence settings.
	Storage StorageConfig `yaml:"storage"`

	// Seal configures payload encryption. Empty means framed-only.
	Seal SealFileConfig `yaml:"seal"`

	// Relay configures the relay server.
	Relay RelayConfig `yaml:"relay"`

	// Client configures the relay client.
	Client ClientConfig `yaml:"client"`

	// Backup configures snapshot backup to S3-compatible storage.
	// If nil or Enabled is false, no backups are taken.
	Backup *BackupConfig `yaml:"backup"`
}

// StorageConfig groups peer state persistence settings.
type StorageConfig struct {
	// Dir is the directory for snapshot files.
	// Default: "quill-state".
	Dir string `yaml:"dir"`

	// Backend selects the snapshot store: "file" or "bolt".
	// Default: "file".
	Backend string `yaml:"backend"`

	// BoltPath is the bbolt database path when Backend is "bolt".
	// Default: Dir + "/quill.db".
	BoltPath string `yaml:"bolt_path"`
}

// SealFileConfig is the YAML-facing form of SealConfig. It carries only a
// passphrase, which derives a key per channel; raw keys cannot be set from
// a config file.
type SealFileConfig struct {
	// Passphrase derives the channel key via PBKDF2.
	Passphrase string `yaml:"passphrase"`
}

// RelayConfig groups relay server settings.
type RelayConfig struct {
	// ListenAddr is the address the relay listens on.
	// Default: ":8737".
	ListenAddr string `yaml:"listen_addr"`

	// HistoryPath is the SQLite file holding per-channel message history.
	// Default: "quill-relay.db".
	HistoryPath string `yaml:"history_path"`

	// WriteTimeout bounds WebSocket writes. Default: 10s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// PingInterval is how often to ping clients. Default: 30s.
	PingInterval time.Duration `yaml:"ping_interval"`

	// Redis enables presence tracking when set.
	Redis *RedisConfig `yaml:"redis"`
}

// RedisConfig configures the optional presence cache.
type RedisConfig struct {
	// Addr is the Redis address, e.g. "localhost:6379".
	Addr string `yaml:"addr"`

	// PresenceTTL is how long a peer stays present without a refresh.
	// Default: 30s.
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

// ClientConfig groups relay client settings.
type ClientConfig struct {
	// ServerURL is the relay WebSocket URL, e.g. "ws://host:8737/ws".
	// Empty enables mDNS discovery when Discover is set.
	ServerURL string `yaml:"server_url"`

	// Discover enables mDNS discovery of a relay on the local network.
	Discover bool `yaml:"discover"`

	// DialTimeout bounds the initial dial. Default: 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// MaxReconnectInterval caps the reconnect backoff. Default: 30s.
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
}

// BackupConfig configures snapshot backup to S3-compatible storage.
type BackupConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
	// Endpoint targets S3-compatible services (MinIO, etc.).
	Endpoint string `yaml:"endpoint"`
	// AccessKeyID for authentication. Prefer IAM roles or the standard
	// environment variables over setting these in a config file.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	// MaxRetries is the number of attempts per upload or download,
	// the first one included. Default: 3.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultConfig returns a configuration with documented defaults applied.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Dir:     "quill-state",
			Backend: "file",
		},
		Relay: RelayConfig{
			ListenAddr:   ":8737",
			HistoryPath:  "quill-relay.db",
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Client: ClientConfig{
			DialTimeout:          10 * time.Second,
			MaxReconnectInterval: 30 * time.Second,
		},
	}
}

// LoadConfig reads a YAML config file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Storage.Dir == "" {
		c.Storage.Dir = d.Storage.Dir
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Storage.BoltPath == "" {
		c.Storage.BoltPath = c.Storage.Dir + "/quill.db"
	}
	if c.Relay.ListenAddr == "" {
		c.Relay.ListenAddr = d.Relay.ListenAddr
	}
	if c.Relay.HistoryPath == "" {
		c.Relay.HistoryPath = d.Relay.HistoryPath
	}
	if c.Relay.WriteTimeout <= 0 {
		c.Relay.WriteTimeout = d.Relay.WriteTimeout
	}
	if c.Relay.PingInterval <= 0 {
		c.Relay.PingInterval = d.Relay.PingInterval
	}
	if c.Relay.Redis != nil && c.Relay.Redis.PresenceTTL <= 0 {
		c.Relay.Redis.PresenceTTL = 30 * time.Second
	}
	if c.Client.DialTimeout <= 0 {
		c.Client.DialTimeout = d.Client.DialTimeout
	}
	if c.Client.MaxReconnectInterval <= 0 {
		c.Client.MaxReconnectInterval = d.Client.MaxReconnectInterval
	}
	if c.Backup != nil && c.Backup.MaxRetries <= 0 {
		c.Backup.MaxRetries = 3
	}
}

// OpenStateStore opens the snapshot store the configuration selects.
func (c *Config) OpenStateStore() (StateStore, error) {
	switch c.Storage.Backend {
	case "", "file":
		return NewFileStateStore(c.Storage.Dir)
	case "bolt":
		return NewBoltStateStore(c.Storage.BoltPath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
}

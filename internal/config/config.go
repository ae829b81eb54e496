package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the sync listener configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds the local database configuration
type StorageConfig struct {
	DataDir      string `yaml:"data_dir"`
	DatabaseFile string `yaml:"database_file"`
	CacheSize    int    `yaml:"cache_size"`
}

// SyncConfig holds the session protocol tunables
type SyncConfig struct {
	ChunkSize            int           `yaml:"chunk_size"`
	PartitionConcurrency int           `yaml:"partition_concurrency"`
	AckTimeout           time.Duration `yaml:"ack_timeout"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryBackoff         time.Duration `yaml:"retry_backoff"`
	ApplyWorkers         int           `yaml:"apply_workers"`
	ApplyQueueSize       int           `yaml:"apply_queue_size"`
}

// TrustConfig holds certificate material locations
type TrustConfig struct {
	PrivateKeyFile   string `yaml:"private_key_file"`
	CertificateFile  string `yaml:"certificate_file"`
	TrustedRootsFile string `yaml:"trusted_roots_file"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a sync node
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Trust   TrustConfig   `yaml:"trust"`
	Gossip  GossipConfig  `yaml:"gossip"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, for callers
// that run without a config file.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7654
	}
	if cfg.Server.HandshakeTimeout == 0 {
		cfg.Server.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/driftsync"
	}
	if cfg.Storage.DatabaseFile == "" {
		cfg.Storage.DatabaseFile = cfg.Storage.DataDir + "/driftsync.db"
	}
	if cfg.Storage.CacheSize == 0 {
		cfg.Storage.CacheSize = 4096
	}

	if cfg.Sync.ChunkSize == 0 {
		cfg.Sync.ChunkSize = 500
	}
	if cfg.Sync.PartitionConcurrency == 0 {
		cfg.Sync.PartitionConcurrency = 4
	}
	if cfg.Sync.AckTimeout == 0 {
		cfg.Sync.AckTimeout = 30 * time.Second
	}
	if cfg.Sync.MaxRetries == 0 {
		cfg.Sync.MaxRetries = 5
	}
	if cfg.Sync.RetryBackoff == 0 {
		cfg.Sync.RetryBackoff = 2 * time.Second
	}
	if cfg.Sync.ApplyWorkers == 0 {
		cfg.Sync.ApplyWorkers = 4
	}
	if cfg.Sync.ApplyQueueSize == 0 {
		cfg.Sync.ApplyQueueSize = 64
	}

	if cfg.Trust.PrivateKeyFile == "" {
		cfg.Trust.PrivateKeyFile = cfg.Storage.DataDir + "/node.key"
	}
	if cfg.Trust.CertificateFile == "" {
		cfg.Trust.CertificateFile = cfg.Storage.DataDir + "/node.cert"
	}
	if cfg.Trust.TrustedRootsFile == "" {
		cfg.Trust.TrustedRootsFile = cfg.Storage.DataDir + "/roots.json"
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Sync.ChunkSize < 1 {
		return fmt.Errorf("sync.chunk_size must be positive")
	}
	if c.Sync.PartitionConcurrency < 1 {
		return fmt.Errorf("sync.partition_concurrency must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries cannot be negative")
	}
	if c.Storage.DatabaseFile == "" {
		return fmt.Errorf("storage.database_file is required")
	}
	return nil
}

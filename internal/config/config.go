package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Vault     VaultConfig     `yaml:"vault"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Providers ProvidersConfig `yaml:"providers"`
	Usage     UsageConfig     `yaml:"usage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// VaultConfig selects and configures the vault backing store.
type VaultConfig struct {
	// Backend is "memory" or "redis".
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
	KDF     KDFConfig   `yaml:"kdf"`
}

// RedisConfig holds connection settings shared by the redis-backed stores.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KDFConfig holds Argon2id parameters for deriving vault keys from
// owner passphrases.
type KDFConfig struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// DispatchConfig holds the retry/backoff/timeout policy consumed by the
// proxy dispatcher. It is passed in explicitly; the dispatcher never reads
// the environment.
type DispatchConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
	Jitter      bool          `yaml:"jitter"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ProvidersConfig restricts which provider adapters are enabled.
type ProvidersConfig struct {
	// Enabled lists adapter names; empty means all registered adapters.
	Enabled []string `yaml:"enabled"`
}

// UsageConfig configures the usage ledger and its export sinks.
type UsageConfig struct {
	// Backend is "memory" or "redis".
	Backend    string      `yaml:"backend"`
	MaxRecords int         `yaml:"max_records"`
	Redis      RedisConfig `yaml:"redis"`
	Sink       SinkConfig  `yaml:"sink"`
}

// SinkConfig configures the optional export sink for usage records.
type SinkConfig struct {
	// Type is one of "", "stdout", "file", "http", "s3".
	Type          string            `yaml:"type"`
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	FilePath      string            `yaml:"file_path"`
	S3            S3SinkConfig      `yaml:"s3"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff"`
}

// S3SinkConfig holds settings for the S3 archive sink.
type S3SinkConfig struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// TracingConfig holds tracing settings.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration populated with sane defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Vault: VaultConfig{
			Backend: "memory",
			KDF: KDFConfig{
				Time:      1,
				MemoryKiB: 64 * 1024,
				Threads:   4,
			},
		},
		Dispatch: DispatchConfig{
			MaxRetries:  3,
			BackoffBase: 200 * time.Millisecond,
			BackoffCap:  5 * time.Second,
			Jitter:      true,
			CallTimeout: 30 * time.Second,
		},
		Usage: UsageConfig{
			Backend:    "memory",
			MaxRecords: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file, applies defaults and env overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides overrides selected settings from environment variables.
// Only connection secrets are overridable this way; policy settings come
// from the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		c.Vault.Redis.Addr = v
		c.Usage.Redis.Addr = v
	}
	if v := os.Getenv("GATEWAY_REDIS_PASSWORD"); v != "" {
		c.Vault.Redis.Password = v
		c.Usage.Redis.Password = v
	}
	if v := os.Getenv("GATEWAY_SINK_S3_ACCESS_KEY"); v != "" {
		c.Usage.Sink.S3.AccessKey = v
	}
	if v := os.Getenv("GATEWAY_SINK_S3_SECRET_KEY"); v != "" {
		c.Usage.Sink.S3.SecretKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	switch c.Vault.Backend {
	case "memory":
	case "redis":
		if c.Vault.Redis.Addr == "" {
			return fmt.Errorf("vault.redis.addr is required for redis backend")
		}
	default:
		return fmt.Errorf("unknown vault backend: %s (supported: memory, redis)", c.Vault.Backend)
	}

	switch c.Usage.Backend {
	case "memory":
	case "redis":
		if c.Usage.Redis.Addr == "" {
			return fmt.Errorf("usage.redis.addr is required for redis backend")
		}
	default:
		return fmt.Errorf("unknown usage backend: %s (supported: memory, redis)", c.Usage.Backend)
	}

	switch c.Usage.Sink.Type {
	case "", "stdout", "file", "http", "s3":
	default:
		return fmt.Errorf("unknown sink type: %s", c.Usage.Sink.Type)
	}
	if c.Usage.Sink.Type == "http" && c.Usage.Sink.Endpoint == "" {
		return fmt.Errorf("usage.sink.endpoint is required for http sink")
	}
	if c.Usage.Sink.Type == "file" && c.Usage.Sink.FilePath == "" {
		return fmt.Errorf("usage.sink.file_path is required for file sink")
	}
	if c.Usage.Sink.Type == "s3" && c.Usage.Sink.S3.Bucket == "" {
		return fmt.Errorf("usage.sink.s3.bucket is required for s3 sink")
	}

	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}
	if c.Dispatch.BackoffBase <= 0 {
		return fmt.Errorf("dispatch.backoff_base must be positive")
	}
	if c.Dispatch.BackoffCap < c.Dispatch.BackoffBase {
		return fmt.Errorf("dispatch.backoff_cap must be >= backoff_base")
	}
	if c.Dispatch.CallTimeout <= 0 {
		return fmt.Errorf("dispatch.call_timeout must be positive")
	}

	if c.Vault.KDF.Time == 0 || c.Vault.KDF.MemoryKiB == 0 || c.Vault.KDF.Threads == 0 {
		return fmt.Errorf("vault.kdf parameters must be positive")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log format: %s", c.Logging.Format)
	}

	return nil
}

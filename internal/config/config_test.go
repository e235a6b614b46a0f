package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "memory", cfg.Vault.Backend)
	assert.Equal(t, "memory", cfg.Usage.Backend)
	assert.Equal(t, 3, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Dispatch.BackoffBase)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.BackoffCap)
	assert.True(t, cfg.Dispatch.Jitter)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.CallTimeout)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":9090"
vault:
  backend: redis
  redis:
    addr: localhost:6379
dispatch:
  max_retries: 5
  backoff_base: 100ms
  backoff_cap: 2s
providers:
  enabled: [openai, anthropic]
usage:
  sink:
    type: file
    file_path: /tmp/usage.jsonl
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "redis", cfg.Vault.Backend)
	assert.Equal(t, "localhost:6379", cfg.Vault.Redis.Addr)
	assert.Equal(t, 5, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Dispatch.BackoffBase)
	assert.Equal(t, []string{"openai", "anthropic"}, cfg.Providers.Enabled)
	assert.Equal(t, "file", cfg.Usage.Sink.Type)

	// Unset fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Dispatch.CallTimeout)
	assert.Equal(t, "memory", cfg.Usage.Backend)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GATEWAY_LISTEN_ADDR", ":7070")
	t.Setenv("GATEWAY_REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
	assert.Equal(t, "redis.internal:6379", cfg.Vault.Redis.Addr)
	assert.Equal(t, "redis.internal:6379", cfg.Usage.Redis.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing listen addr", mutate: func(c *Config) { c.Server.ListenAddr = "" }},
		{name: "unknown vault backend", mutate: func(c *Config) { c.Vault.Backend = "dynamo" }},
		{name: "redis backend without addr", mutate: func(c *Config) { c.Vault.Backend = "redis" }},
		{name: "unknown usage backend", mutate: func(c *Config) { c.Usage.Backend = "kafka" }},
		{name: "unknown sink type", mutate: func(c *Config) { c.Usage.Sink.Type = "smtp" }},
		{name: "http sink without endpoint", mutate: func(c *Config) { c.Usage.Sink.Type = "http" }},
		{name: "file sink without path", mutate: func(c *Config) { c.Usage.Sink.Type = "file" }},
		{name: "s3 sink without bucket", mutate: func(c *Config) { c.Usage.Sink.Type = "s3" }},
		{name: "negative retries", mutate: func(c *Config) { c.Dispatch.MaxRetries = -1 }},
		{name: "zero backoff base", mutate: func(c *Config) { c.Dispatch.BackoffBase = 0 }},
		{name: "cap below base", mutate: func(c *Config) { c.Dispatch.BackoffCap = c.Dispatch.BackoffBase / 2 }},
		{name: "zero call timeout", mutate: func(c *Config) { c.Dispatch.CallTimeout = 0 }},
		{name: "zero kdf time", mutate: func(c *Config) { c.Vault.KDF.Time = 0 }},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

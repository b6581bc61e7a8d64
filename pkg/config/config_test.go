package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 400, cfg.Encoder.DPI)
	assert.Equal(t, 500, cfg.Encoder.PreviewChars)
	assert.Equal(t, "h265", cfg.Video.Codec)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.Equal(t, 1, cfg.Retrieval.ContextWindow)
	assert.True(t, cfg.Index.Mmap)
	assert.Equal(t, "file", cfg.Cache.Backend)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dkr.yaml")
	body := `
storage:
  dataDir: /srv/dkr
retrieval:
  topK: 7
  contextWindow: 2
  resolveTimeout: 45s
cache:
  backend: redis
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/dkr", cfg.Storage.DataDir)
	assert.Equal(t, 7, cfg.Retrieval.TopK)
	assert.Equal(t, 2, cfg.Retrieval.ContextWindow)
	assert.Equal(t, 45*time.Second, cfg.Retrieval.ResolveTimeout)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	// untouched sections keep defaults
	assert.Equal(t, 4, cfg.Retrieval.MaxWorkers)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DKR_RESOLVER_ENDPOINT", "http://ocr.internal:5010")
	t.Setenv("DKR_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("DKR_RETRIEVAL_MAX_WORKERS", "9")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://ocr.internal:5010", cfg.Resolver.Endpoint)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, 9, cfg.Retrieval.MaxWorkers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dpi", func(c *Config) { c.Encoder.DPI = 0 }},
		{"negative window", func(c *Config) { c.Retrieval.ContextWindow = -1 }},
		{"zero workers", func(c *Config) { c.Retrieval.MaxWorkers = 0 }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"unknown catalog driver", func(c *Config) { c.Catalog.Driver = "mysql" }},
		{"min term length", func(c *Config) { c.Index.MinTermLength = 0 }},
		{"api port clashes with metrics", func(c *Config) { c.API.Enabled = true; c.API.Port = c.Metrics.Port }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLoad_APIEnv(t *testing.T) {
	t.Setenv("DKR_API_PORT", "8181")
	t.Setenv("DKR_API_KEYS", "k1,k2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 8181, cfg.API.Port)
	assert.Equal(t, []string{"k1", "k2"}, cfg.API.Keys)
	assert.Equal(t, 20, cfg.API.MaxTopK)
}

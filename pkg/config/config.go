// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (storage, encoder, video, index, retrieval, resolver, cache,
// catalog, kafka, redis, postgres, api, logging, metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Encoder   EncoderConfig   `yaml:"encoder"`
	Video     VideoConfig     `yaml:"video"`
	Index     IndexConfig     `yaml:"index"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Cache     CacheConfig     `yaml:"cache"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StorageConfig holds the root directory for per-document artifacts.
type StorageConfig struct {
	DataDir string `yaml:"dataDir"`
}

// EncoderConfig controls page rasterization and text previews.
type EncoderConfig struct {
	DPI          int    `yaml:"dpi"`
	PreviewChars int    `yaml:"previewChars"`
	FramesDir    string `yaml:"framesDir"`
	KeepFrames   bool   `yaml:"keepFrames"`
}

// VideoConfig selects the external packer binary and codec profile.
type VideoConfig struct {
	FFmpegPath string        `yaml:"ffmpegPath"`
	Codec      string        `yaml:"codec"`
	FPS        int           `yaml:"fps"`
	CRF        int           `yaml:"crf"`
	Preset     string        `yaml:"preset"`
	PixFmt     string        `yaml:"pixFmt"`
	Extension  string        `yaml:"extension"`
	Timeout    time.Duration `yaml:"timeout"`
}

// IndexConfig controls tokenization at build time and how snapshots load.
type IndexConfig struct {
	MinTermLength int  `yaml:"minTermLength"`
	Stem          bool `yaml:"stem"`
	Mmap          bool `yaml:"mmap"`
}

// RetrievalConfig holds defaults for search calls and resolution fan-out.
type RetrievalConfig struct {
	TopK           int           `yaml:"topK"`
	ContextWindow  int           `yaml:"contextWindow"`
	Batched        bool          `yaml:"batched"`
	MaxWorkers     int           `yaml:"maxWorkers"`
	BatchSize      int           `yaml:"batchSize"`
	ExtractTimeout time.Duration `yaml:"extractTimeout"`
	ResolveTimeout time.Duration `yaml:"resolveTimeout"`
}

// ResolverConfig configures the HTTP OCR service client.
type ResolverConfig struct {
	Endpoint            string        `yaml:"endpoint"`
	Prompt              string        `yaml:"prompt"`
	BaseSize            int           `yaml:"baseSize"`
	ImageSize           int           `yaml:"imageSize"`
	CropMode            bool          `yaml:"cropMode"`
	Timeout             time.Duration `yaml:"timeout"`
	RetryAttempts       int           `yaml:"retryAttempts"`
	RequestsPerSecond   float64       `yaml:"requestsPerSecond"`
	Burst               int           `yaml:"burst"`
	BreakerThreshold    int           `yaml:"breakerThreshold"`
	BreakerResetTimeout time.Duration `yaml:"breakerResetTimeout"`
}

// CacheConfig selects the content cache backend.
type CacheConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Backend       string `yaml:"backend"`
	Dir           string `yaml:"dir"`
	MemoryEntries int    `yaml:"memoryEntries"`
}

// CatalogConfig selects where the doc identity → artifact mapping lives.
type CatalogConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"poolSize"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	DocumentEncoded string `yaml:"documentEncoded"`
	CacheInvalidate string `yaml:"cacheInvalidate"`
}

// APIConfig controls the HTTP query API started by serve.
type APIConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Port             int           `yaml:"port"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	MaxTopK          int           `yaml:"maxTopK"`
	MaxContextWindow int           `yaml:"maxContextWindow"`
	// Keys, when non-empty, are the accepted API keys.
	Keys []string `yaml:"keys"`
	// RateLimit is requests per minute per client; 0 disables limiting.
	RateLimit   int      `yaml:"rateLimit"`
	CORSOrigins []string `yaml:"corsOrigins"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. Missing values keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config suitable for local use.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "data",
		},
		Encoder: EncoderConfig{
			DPI:          400,
			PreviewChars: 500,
		},
		Video: VideoConfig{
			FFmpegPath: "ffmpeg",
			Codec:      "h265",
			FPS:        30,
			CRF:        20,
			Preset:     "slower",
			PixFmt:     "yuv420p",
			Extension:  ".mkv",
			Timeout:    10 * time.Minute,
		},
		Index: IndexConfig{
			MinTermLength: 2,
			Stem:          true,
			Mmap:          true,
		},
		Retrieval: RetrievalConfig{
			TopK:           3,
			ContextWindow:  1,
			Batched:        true,
			MaxWorkers:     4,
			BatchSize:      5,
			ExtractTimeout: 30 * time.Second,
			ResolveTimeout: 5 * time.Minute,
		},
		Resolver: ResolverConfig{
			Endpoint:            "http://localhost:5010",
			Prompt:              "<image>\nConvert the full content of this document page to Markdown.",
			BaseSize:            4096,
			ImageSize:           2048,
			CropMode:            true,
			Timeout:             5 * time.Minute,
			RetryAttempts:       3,
			RequestsPerSecond:   4,
			Burst:               4,
			BreakerThreshold:    5,
			BreakerResetTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:       true,
			Backend:       "file",
			Dir:           "ocr_cache",
			MemoryEntries: 256,
		},
		Catalog: CatalogConfig{
			Driver: "sqlite",
			Path:   "catalog.db",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "dkr:content:",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "dkr",
			User:            "dkr",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "dkr-retrievers",
			Topics: KafkaTopics{
				DocumentEncoded: "document.encoded",
				CacheInvalidate: "cache.invalidate",
			},
		},
		API: APIConfig{
			Port:             8080,
			RequestTimeout:   10 * time.Minute,
			MaxTopK:          20,
			MaxContextWindow: 5,
			RateLimit:        120,
			CORSOrigins:      []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
	}
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Storage.DataDir == "":
		return fmt.Errorf("storage.dataDir must be set")
	case c.Encoder.DPI <= 0:
		return fmt.Errorf("encoder.dpi must be positive, got %d", c.Encoder.DPI)
	case c.Encoder.PreviewChars <= 0:
		return fmt.Errorf("encoder.previewChars must be positive, got %d", c.Encoder.PreviewChars)
	case c.Video.FPS <= 0:
		return fmt.Errorf("video.fps must be positive, got %d", c.Video.FPS)
	case c.Index.MinTermLength < 1:
		return fmt.Errorf("index.minTermLength must be at least 1, got %d", c.Index.MinTermLength)
	case c.Retrieval.TopK <= 0:
		return fmt.Errorf("retrieval.topK must be positive, got %d", c.Retrieval.TopK)
	case c.Retrieval.ContextWindow < 0:
		return fmt.Errorf("retrieval.contextWindow must not be negative, got %d", c.Retrieval.ContextWindow)
	case c.Retrieval.MaxWorkers <= 0:
		return fmt.Errorf("retrieval.maxWorkers must be positive, got %d", c.Retrieval.MaxWorkers)
	case c.Retrieval.BatchSize <= 0:
		return fmt.Errorf("retrieval.batchSize must be positive, got %d", c.Retrieval.BatchSize)
	case c.API.Enabled && c.API.Port == c.Metrics.Port:
		return fmt.Errorf("api.port and metrics.port must differ, both are %d", c.API.Port)
	case c.API.MaxTopK < 1:
		return fmt.Errorf("api.maxTopK must be positive, got %d", c.API.MaxTopK)
	}
	switch c.Cache.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("cache.backend must be file or redis, got %q", c.Cache.Backend)
	}
	switch c.Catalog.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("catalog.driver must be sqlite or postgres, got %q", c.Catalog.Driver)
	}
	return nil
}

// applyEnvOverrides reads DKR_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DKR_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("DKR_FFMPEG_PATH"); v != "" {
		cfg.Video.FFmpegPath = v
	}
	if v := os.Getenv("DKR_VIDEO_CODEC"); v != "" {
		cfg.Video.Codec = v
	}
	if v := os.Getenv("DKR_ENCODER_DPI"); v != "" {
		if dpi, err := strconv.Atoi(v); err == nil {
			cfg.Encoder.DPI = dpi
		}
	}
	if v := os.Getenv("DKR_RESOLVER_ENDPOINT"); v != "" {
		cfg.Resolver.Endpoint = v
	}
	if v := os.Getenv("DKR_RESOLVER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Resolver.Timeout = d
		}
	}
	if v := os.Getenv("DKR_RETRIEVAL_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retrieval.MaxWorkers = n
		}
	}
	if v := os.Getenv("DKR_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("DKR_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("DKR_CATALOG_DRIVER"); v != "" {
		cfg.Catalog.Driver = v
	}
	if v := os.Getenv("DKR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DKR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DKR_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("DKR_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("DKR_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("DKR_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("DKR_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("DKR_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("DKR_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
			cfg.API.Enabled = true
		}
	}
	if v := os.Getenv("DKR_API_KEYS"); v != "" {
		cfg.API.Keys = strings.Split(v, ",")
	}
	if v := os.Getenv("DKR_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DKR_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("DKR_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
			cfg.Metrics.Enabled = true
		}
	}
}

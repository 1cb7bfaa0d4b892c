// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Storage providers accepted by STORAGE_PROVIDER.
const (
	ProviderS3    = "s3"
	ProviderMinIO = "minio"
	ProviderLocal = "local"
)

// Transformers accepted by TRANSFORMER.
const (
	TransformerPassthrough = "passthrough"
	TransformerFFmpeg      = "ffmpeg"
)

// Backends accepted by PREFERENCE_STORE and IDEMPOTENCY_STORE.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Static errors for configuration validation.
var (
	// ErrBucketRequired is returned when a remote storage provider has no S3_BUCKET.
	ErrBucketRequired = errors.New("config: S3_BUCKET is required for remote storage")
	// ErrRegionRequired is returned when STORAGE_PROVIDER=s3 has no S3_REGION.
	ErrRegionRequired = errors.New("config: S3_REGION is required for s3 storage")
	// ErrMinIOEndpointRequired is returned when STORAGE_PROVIDER=minio has no MINIO_ENDPOINT.
	ErrMinIOEndpointRequired = errors.New("config: MINIO_ENDPOINT is required for minio storage")
	// ErrUnknownProvider is returned for an unrecognised STORAGE_PROVIDER.
	ErrUnknownProvider = errors.New("config: unknown STORAGE_PROVIDER")
	// ErrUnknownTransformer is returned for an unrecognised TRANSFORMER.
	ErrUnknownTransformer = errors.New("config: unknown TRANSFORMER")
	// ErrUnknownBackend is returned for an unrecognised PREFERENCE_STORE or IDEMPOTENCY_STORE.
	ErrUnknownBackend = errors.New("config: unknown store backend")
	// ErrRedisURLRequired is returned when a redis backend is selected without REDIS_URL.
	ErrRedisURLRequired = errors.New("config: REDIS_URL is required for redis backends")
	// ErrNoAllowedContentTypes is returned when ALLOWED_CONTENT_TYPES is empty.
	ErrNoAllowedContentTypes = errors.New("config: ALLOWED_CONTENT_TYPES must not be empty")
	// ErrInvalidLimit is returned when a numeric limit is not positive.
	ErrInvalidLimit = errors.New("config: limits must be positive")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port           int     `env:"PORT, default=8080" json:"port"`
	MaxUploadMB    int64   `env:"MAX_UPLOAD_MB, default=512" json:"max_upload_mb"`
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS, default=0" json:"rate_limit_rps"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST, default=10" json:"rate_limit_burst"`

	// Storage settings
	StorageProvider    string `env:"STORAGE_PROVIDER, default=local" json:"storage_provider"`
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	S3UsePathStyle     bool   `env:"S3_USE_PATH_STYLE, default=false" json:"s3_use_path_style"`
	S3UploadPartSizeMB int64  `env:"S3_UPLOAD_PART_SIZE_MB, default=8" json:"s3_upload_part_size_mb"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON
	MinIOEndpoint      string `env:"MINIO_ENDPOINT" json:"minio_endpoint,omitempty"`
	MinIOUseSSL        bool   `env:"MINIO_USE_SSL, default=true" json:"minio_use_ssl"`
	LocalStorageDir    string `env:"LOCAL_STORAGE_DIR, default=/tmp/content-vault/objects" json:"local_storage_dir"`
	LocalLinkBaseURL   string `env:"LOCAL_LINK_BASE_URL, default=http://localhost:8080/files" json:"local_link_base_url"`
	LocalLinkSecret    string `env:"LOCAL_LINK_SECRET" json:"-"` // Masked in JSON

	// Pipeline settings
	AllowedContentTypes     []string      `env:"ALLOWED_CONTENT_TYPES, default=video/mp4,video/quicktime,video/x-msvideo" json:"allowed_content_types"`
	MaxTransformAttempts    int           `env:"MAX_TRANSFORM_ATTEMPTS, default=3" json:"max_transform_attempts"`
	TransformBackoff        time.Duration `env:"TRANSFORM_BACKOFF, default=500ms" json:"transform_backoff"`
	MaxTransformBackoff     time.Duration `env:"MAX_TRANSFORM_BACKOFF, default=30s" json:"max_transform_backoff"`
	TransformTimeout        time.Duration `env:"TRANSFORM_TIMEOUT, default=10m" json:"transform_timeout"`
	StageTimeout            time.Duration `env:"STAGE_TIMEOUT, default=60s" json:"stage_timeout"`
	MaxConcurrentTransforms int           `env:"MAX_CONCURRENT_TRANSFORMS, default=2" json:"max_concurrent_transforms"`
	MaxQueuedRuns           int           `env:"MAX_QUEUED_RUNS, default=8" json:"max_queued_runs"`
	LinkExpiration          time.Duration `env:"LINK_EXPIRATION, default=3600s" json:"link_expiration"`
	DefaultContentType      string        `env:"DEFAULT_CONTENT_TYPE, default=daily" json:"default_content_type"`

	// Transformer settings
	Transformer string `env:"TRANSFORMER, default=passthrough" json:"transformer"`
	TempDir     string `env:"TEMP_DIR, default=/tmp/content-vault/work" json:"temp_dir"`
	FFmpegPath  string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`

	// Shared state settings
	PreferenceStore  string        `env:"PREFERENCE_STORE, default=memory" json:"preference_store"`
	IdempotencyStore string        `env:"IDEMPOTENCY_STORE, default=memory" json:"idempotency_store"`
	IdempotencyTTL   time.Duration `env:"IDEMPOTENCY_TTL, default=24h" json:"idempotency_ttl"`
	RunRetention     time.Duration `env:"RUN_RETENTION, default=24h" json:"run_retention"`
	RedisURL         string        `env:"REDIS_URL" json:"-"` // May embed a password

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// Load reads an optional .env file and then configuration from environment
// variables using go-envconfig. Variables already set in the environment take
// precedence over the .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return LoadFromEnv(context.Background())
}

// LoadFromEnv reads configuration from the process environment only.
func LoadFromEnv(ctx context.Context) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.StorageProvider = strings.ToLower(strings.TrimSpace(c.StorageProvider))
	c.Transformer = strings.ToLower(strings.TrimSpace(c.Transformer))
	c.PreferenceStore = strings.ToLower(strings.TrimSpace(c.PreferenceStore))
	c.IdempotencyStore = strings.ToLower(strings.TrimSpace(c.IdempotencyStore))

	types := make([]string, 0, len(c.AllowedContentTypes))
	for _, ct := range c.AllowedContentTypes {
		if ct = strings.ToLower(strings.TrimSpace(ct)); ct != "" {
			types = append(types, ct)
		}
	}
	c.AllowedContentTypes = types
}

// Validate checks that the selected backends have what they need and that limits are sane.
func (c *Config) Validate() error {
	switch c.StorageProvider {
	case ProviderS3:
		if c.S3Bucket == "" {
			return ErrBucketRequired
		}
		if c.S3Region == "" {
			return ErrRegionRequired
		}
	case ProviderMinIO:
		if c.S3Bucket == "" {
			return ErrBucketRequired
		}
		if c.MinIOEndpoint == "" {
			return ErrMinIOEndpointRequired
		}
	case ProviderLocal:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.StorageProvider)
	}

	switch c.Transformer {
	case TransformerPassthrough, TransformerFFmpeg:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransformer, c.Transformer)
	}

	for _, backend := range []string{c.PreferenceStore, c.IdempotencyStore} {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if c.RedisURL == "" {
				return ErrRedisURLRequired
			}
		default:
			return fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
		}
	}

	if len(c.AllowedContentTypes) == 0 {
		return ErrNoAllowedContentTypes
	}
	if c.MaxTransformAttempts <= 0 || c.MaxConcurrentTransforms <= 0 || c.MaxQueuedRuns < 0 ||
		c.LinkExpiration <= 0 || c.StageTimeout <= 0 || c.TransformTimeout <= 0 || c.MaxUploadMB <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, StorageProvider: %s, S3Bucket: %s, S3Region: %s, S3Endpoint: %s, MinIOEndpoint: %s, AllowedContentTypes: %v, MaxTransformAttempts: %d, MaxConcurrentTransforms: %d, LinkExpiration: %s, Transformer: %s, TempDir: %s, PreferenceStore: %s, IdempotencyStore: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.StorageProvider,
		c.S3Bucket,
		c.S3Region,
		c.S3Endpoint,
		c.MinIOEndpoint,
		c.AllowedContentTypes,
		c.MaxTransformAttempts,
		c.MaxConcurrentTransforms,
		c.LinkExpiration,
		c.Transformer,
		c.TempDir,
		c.PreferenceStore,
		c.IdempotencyStore,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

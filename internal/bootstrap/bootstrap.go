// Package bootstrap provides dependency initialization for content-vault.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/maauso/content-vault/internal/config"
	"github.com/maauso/content-vault/internal/idempotency"
	"github.com/maauso/content-vault/internal/metrics"
	"github.com/maauso/content-vault/internal/pipeline"
	"github.com/maauso/content-vault/internal/preference"
	"github.com/maauso/content-vault/internal/staging"
	"github.com/maauso/content-vault/internal/storage"
	"github.com/maauso/content-vault/internal/transform"
)

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	Orchestrator *pipeline.Orchestrator
	Learner      *preference.Learner
	// LocalFiles is set when objects live on the local filesystem and
	// links must be served by this process.
	LocalFiles *storage.LocalGateway
	Registry   *prometheus.Registry

	redis redis.UniversalClient
}

// Close releases connections held by the dependencies.
func (d *Dependencies) Close() error {
	if d.redis != nil {
		return d.redis.Close()
	}
	return nil
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{Registry: prometheus.NewRegistry()}
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewPipeline(deps.Registry)

	gw, err := initGateway(ctx, cfg, logger, deps)
	if err != nil {
		return nil, err
	}

	if cfg.PreferenceStore == config.BackendRedis || cfg.IdempotencyStore == config.BackendRedis {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		deps.redis = redis.NewClient(opts)
		if err := deps.redis.Ping(ctx).Err(); err != nil {
			_ = deps.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("redis configured", slog.String("addr", opts.Addr))
	}

	var prefStore preference.Store = preference.NewMemoryStore()
	if cfg.PreferenceStore == config.BackendRedis {
		prefStore = preference.NewRedisStore(deps.redis)
	}
	deps.Learner = preference.NewLearner(prefStore, logger, m)

	stager := staging.NewStager(gw, cfg.AllowedContentTypes, staging.WithLogger(logger))

	var transformer transform.Transformer
	switch cfg.Transformer {
	case config.TransformerFFmpeg:
		transformer = transform.NewFFmpegTransformer(stager,
			transform.WithBinaries(cfg.FFmpegPath, cfg.FFprobePath),
			transform.WithTempDir(cfg.TempDir),
			transform.WithLogger(logger),
		)
	default:
		transformer = transform.NewPassthrough(stager)
	}

	defaultType, err := preference.ParseContentType(cfg.DefaultContentType)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("DEFAULT_CONTENT_TYPE: %w", err)
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(m),
		pipeline.WithClassifier(pipeline.NewHintClassifier(defaultType)),
	}
	switch cfg.IdempotencyStore {
	case config.BackendRedis:
		opts = append(opts, pipeline.WithIdempotency(idempotency.NewRedisStore(deps.redis, cfg.IdempotencyTTL)))
	default:
		opts = append(opts, pipeline.WithIdempotency(idempotency.NewMemoryStore(cfg.IdempotencyTTL)))
	}

	deps.Orchestrator = pipeline.NewOrchestrator(stager, transformer, deps.Learner,
		pipeline.NewMemoryRepository(pipeline.WithRetention(cfg.RunRetention)),
		pipeline.Config{
			MaxTransformAttempts:    cfg.MaxTransformAttempts,
			TransformBackoff:        cfg.TransformBackoff,
			MaxTransformBackoff:     cfg.MaxTransformBackoff,
			TransformTimeout:        cfg.TransformTimeout,
			StageTimeout:            cfg.StageTimeout,
			MaxConcurrentTransforms: cfg.MaxConcurrentTransforms,
			MaxQueuedRuns:           cfg.MaxQueuedRuns,
			LinkExpiration:          cfg.LinkExpiration,
			DefaultContentType:      defaultType,
		},
		opts...,
	)

	logger.Info("pipeline configured",
		slog.String("transformer", cfg.Transformer),
		slog.String("preference_store", cfg.PreferenceStore),
		slog.String("idempotency_store", cfg.IdempotencyStore),
	)
	return deps, nil
}

// initGateway creates the object store selected by STORAGE_PROVIDER.
func initGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *Dependencies) (storage.Gateway, error) {
	switch cfg.StorageProvider {
	case config.ProviderS3:
		gw, err := storage.NewS3Gateway(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			UsePathStyle:    cfg.S3UsePathStyle,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			PartSize:        cfg.S3UploadPartSizeMB << 20,
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 gateway: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return gw, nil

	case config.ProviderMinIO:
		gw, err := storage.NewMinioGateway(storage.MinioConfig{
			Endpoint:        cfg.MinIOEndpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			UseSSL:          cfg.MinIOUseSSL,
			PartSize:        uint64(max(cfg.S3UploadPartSizeMB, 0)) << 20, // #nosec G115 - clamped non-negative
		})
		if err != nil {
			return nil, fmt.Errorf("create MinIO gateway: %w", err)
		}
		logger.Info("MinIO storage configured",
			slog.String("endpoint", cfg.MinIOEndpoint),
			slog.String("bucket", cfg.S3Bucket),
		)
		return gw, nil

	case config.ProviderLocal:
		gw, err := storage.NewLocalGateway(cfg.LocalStorageDir, cfg.LocalLinkBaseURL,
			storage.WithLinkSecret(cfg.LocalLinkSecret))
		if err != nil {
			return nil, fmt.Errorf("create local gateway: %w", err)
		}
		if cfg.LocalLinkSecret == "" {
			logger.Warn("LOCAL_LINK_SECRET not set, links will not survive a restart")
		}
		logger.Info("local storage configured",
			slog.String("dir", cfg.LocalStorageDir),
		)
		deps.LocalFiles = gw
		return gw, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownProvider, cfg.StorageProvider)
}

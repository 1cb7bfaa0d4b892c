package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds the configuration for a MinIO deployment.
type MinioConfig struct {
	Endpoint        string // host:port, without scheme
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	PartSize        uint64
}

// MinioGateway implements Gateway with the MinIO client.
type MinioGateway struct {
	client   *minio.Client
	bucket   string
	partSize uint64
}

// NewMinioGateway creates a MinioGateway.
func NewMinioGateway(cfg MinioConfig) (*MinioGateway, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	partSize := cfg.PartSize
	if partSize == 0 {
		partSize = DefaultPartSize
	}
	return &MinioGateway{client: client, bucket: cfg.Bucket, partSize: partSize}, nil
}

// Put streams body to key. Unknown sizes (-1) are uploaded in PartSize chunks.
func (g *MinioGateway) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := g.client.PutObject(ctx, g.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    g.partSize,
	})
	return classify("minio.put", key, err, false)
}

// Open returns the object body. The object is stat'ed first so that a missing
// key fails here rather than on the first Read.
func (g *MinioGateway) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := g.client.GetObject(ctx, g.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("minio.open", key, err, isMinioNotFound(err))
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, classify("minio.open", key, err, isMinioNotFound(err))
	}
	return obj, nil
}

// Stat returns object metadata.
func (g *MinioGateway) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := g.client.StatObject(ctx, g.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, classify("minio.stat", key, err, isMinioNotFound(err))
	}
	return ObjectInfo{
		Key:          key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}, nil
}

// Copy performs a server-side copy.
func (g *MinioGateway) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := g.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: g.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: g.bucket, Object: srcKey},
	)
	return classify("minio.copy", srcKey, err, isMinioNotFound(err))
}

// Delete removes key.
func (g *MinioGateway) Delete(ctx context.Context, key string) error {
	err := g.client.RemoveObject(ctx, g.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && isMinioNotFound(err) {
		return nil
	}
	return classify("minio.delete", key, err, false)
}

// GenerateLink presigns a GET for key after checking it exists.
func (g *MinioGateway) GenerateLink(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := g.Stat(ctx, key); err != nil {
		return "", err
	}
	u, err := g.client.PresignedGetObject(ctx, g.bucket, key, ttl, nil)
	if err != nil {
		return "", classify("minio.link", key, err, false)
	}
	return u.String(), nil
}

func isMinioNotFound(err error) bool {
	if err == nil {
		return false
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// DefaultPartSize is the multipart chunk size used when S3Config.PartSize is unset.
const DefaultPartSize = 8 * 1024 * 1024

// S3Config holds the configuration for S3 storage.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints
	UsePathStyle    bool   // Forced on when Endpoint is set
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
	PartSize        int64  // Multipart chunk size in bytes
}

// S3Gateway implements Gateway on Amazon S3 or an S3-compatible endpoint.
// Uploads stream through the multipart uploader so memory use is bounded by
// the part size, not the object size.
type S3Gateway struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	bucket   string
}

// NewS3Gateway creates an S3Gateway. optFns are applied to the S3 client
// options after the endpoint settings.
func NewS3Gateway(ctx context.Context, cfg S3Config, optFns ...func(*s3.Options)) (*S3Gateway, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
			if cfg.UsePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	clientOpts = append(clientOpts, optFns...)

	return NewS3GatewayFromClient(s3.NewFromConfig(awsCfg, clientOpts...), cfg.Bucket, cfg.PartSize), nil
}

// NewS3GatewayFromClient wraps an existing client.
func NewS3GatewayFromClient(client *s3.Client, bucket string, partSize int64) *S3Gateway {
	if partSize < manager.MinUploadPartSize {
		partSize = DefaultPartSize
	}
	return &S3Gateway{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = partSize
		}),
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}
}

// Put streams body to key.
func (g *S3Gateway) Put(ctx context.Context, key string, body io.Reader, _ int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	_, err := g.uploader.Upload(ctx, input)
	return classify("s3.put", key, err, false)
}

// Open returns the object body.
func (g *S3Gateway) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("s3.open", key, err, isS3NotFound(err))
	}
	return out.Body, nil
}

// Stat heads the object.
func (g *S3Gateway) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := g.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, classify("s3.stat", key, err, isS3NotFound(err))
	}
	return ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// Copy performs a server-side copy. S3 copies are atomic: the destination
// either appears complete or not at all.
func (g *S3Gateway) Copy(ctx context.Context, srcKey, dstKey string) error {
	_, err := g.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(g.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(g.bucket + "/" + escapeKey(srcKey)),
	})
	return classify("s3.copy", srcKey, err, isS3NotFound(err))
}

// Delete removes key. S3 already treats missing keys as success.
func (g *S3Gateway) Delete(ctx context.Context, key string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil && isS3NotFound(err) {
		return nil
	}
	return classify("s3.delete", key, err, false)
}

// GenerateLink presigns a GET for key after checking it exists.
func (g *S3Gateway) GenerateLink(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := g.Stat(ctx, key); err != nil {
		return "", err
	}
	req, err := g.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify("s3.link", key, err, false)
	}
	return req.URL, nil
}

func isS3NotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch strings.TrimSpace(apiErr.ErrorCode()) {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

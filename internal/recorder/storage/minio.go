// storage/minio.go
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/camlog"
)

// MinIOSink uploads finished recordings to an S3-compatible bucket.
type MinIOSink struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger

	metrics MinIOMetrics
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	// Prefix is prepended to every object key ("camera/").
	Prefix string

	ConnectTimeout time.Duration
}

// MinIOMetrics tracks MinIO operations
type MinIOMetrics struct {
	TotalUploads atomic.Uint64
	UploadBytes  atomic.Uint64
	UploadErrors atomic.Uint64
}

// NewMinIOSink connects and makes sure the bucket exists.
func NewMinIOSink(ctx context.Context, config MinIOConfig, logger *zap.Logger) (*MinIOSink, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is empty")
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	s := &MinIOSink{
		client: minioClient,
		bucket: config.Bucket,
		prefix: config.Prefix,
		logger: camlog.Or(logger, "minio-store"),
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		err = minioClient.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		s.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}
	return s, nil
}

func (s *MinIOSink) Name() string { return "minio" }

// Upload puts the file under prefix+key. One attempt; the client's own
// internal retries are the only ones.
func (s *MinIOSink) Upload(ctx context.Context, key, filePath string, opts ...PutOption) error {
	o := newPutOptions(filePath, opts)
	objectKey := path.Join(s.prefix, key)

	info, err := s.client.FPutObject(ctx, s.bucket, objectKey, filePath, minio.PutObjectOptions{
		ContentType:  o.ContentType,
		UserMetadata: o.Metadata,
	})
	if err != nil {
		s.metrics.UploadErrors.Add(1)
		return &UploadError{Sink: s.Name(), Key: objectKey, StatusCode: getMinioStatusCode(err), Err: err}
	}

	s.metrics.TotalUploads.Add(1)
	s.metrics.UploadBytes.Add(uint64(info.Size))
	s.logger.Info("Recording stored",
		zap.String("bucket", s.bucket),
		zap.String("key", objectKey),
		zap.Int64("size", info.Size),
		zap.String("etag", info.ETag))
	return nil
}

// List returns the stored recordings as catalog entries, so the video list
// works without a remote API.
func (s *MinIOSink) List(ctx context.Context) ([]Video, error) {
	var videos []Video
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, &CatalogError{Source: s.Name(), StatusCode: getMinioStatusCode(obj.Err), Err: obj.Err}
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		videos = append(videos, Video{
			"filename":   path.Base(obj.Key),
			"key":        obj.Key,
			"size":       obj.Size,
			"created_at": obj.LastModified.UTC().Format(time.RFC3339),
		})
	}
	SortNewestFirst(videos)
	return videos, nil
}

// HealthCheck verifies the storage is accessible
func (s *MinIOSink) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("health check: bucket %s does not exist", s.bucket)
	}
	return nil
}

// GetMetrics returns storage metrics
func (s *MinIOSink) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"total_uploads": s.metrics.TotalUploads.Load(),
		"upload_bytes":  s.metrics.UploadBytes.Load(),
		"upload_errors": s.metrics.UploadErrors.Load(),
	}
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	errResp := minio.ToErrorResponse(err)
	if errResp.StatusCode != 0 {
		return errResp.StatusCode
	}
	switch errResp.Code {
	case "":
		return 0
	case "NoSuchKey", "NoSuchBucket":
		return 404
	case "AccessDenied":
		return 403
	case "InvalidArgument":
		return 400
	default:
		return 500
	}
}

package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/masshaul/masshaul/internal/config"
)

// MinioSink stores objects through minio-go. It is the default backend
// and the only one that streams unknown-length bodies without spooling.
type MinioSink struct {
	client *minio.Client
	bucket string
}

// NewMinioSink creates the MinIO-backed sink.
func NewMinioSink(cfg *config.Config) (*MinioSink, error) {
	// minio-go expects host:port without a protocol prefix
	endpoint := cfg.MinioEndpoint
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioSink{
		client: client,
		bucket: cfg.MinioBucket,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *MinioSink) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
	}

	return nil
}

// Put uploads an object, streaming when size is -1.
func (s *MinioSink) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	opts := minio.PutObjectOptions{
		ContentType: contentType,
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, opts)
	if err != nil {
		return 0, fmt.Errorf("failed to put object %s: %w", key, err)
	}

	return info.Size, nil
}

// Exists checks if an object exists in the bucket.
func (s *MinioSink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence %s: %w", key, err)
	}
	return true, nil
}

// Remove deletes an object from the bucket.
func (s *MinioSink) Remove(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// Ping checks if the storage is accessible by verifying the bucket exists.
func (s *MinioSink) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

// Bucket returns the bucket name.
func (s *MinioSink) Bucket() string {
	return s.bucket
}

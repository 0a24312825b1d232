package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/masshaul/masshaul/internal/config"
)

// S3Sink stores objects through the AWS SDK. With BaseEndpoint and path
// style set it also fronts MinIO, so deployments already standardized on
// the AWS SDK can keep it.
type S3Sink struct {
	client *s3.Client
	bucket string
}

// NewS3Sink creates the S3-backed sink.
func NewS3Sink(cfg *config.Config) (*S3Sink, error) {
	opts := s3.Options{
		Region:       cfg.S3Region,
		Credentials:  awscreds.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		UsePathStyle: cfg.S3UsePathStyle, // Required for MinIO
	}

	if cfg.S3Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.S3Endpoint)
	}

	client := s3.New(opts)

	return &S3Sink{
		client: client,
		bucket: cfg.S3Bucket,
	}, nil
}

// Put uploads an object. S3 signing needs a known content length, so an
// unknown-length body is spooled to a temp file first.
func (s *S3Sink) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	if size < 0 {
		return s.putSpooled(ctx, key, r, contentType)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to put object %s: %w", key, err)
	}

	return size, nil
}

func (s *S3Sink) putSpooled(ctx context.Context, key string, r io.Reader, contentType string) (int64, error) {
	tmp, err := os.CreateTemp("", "masshaul-spool-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, r)
	if err != nil {
		return 0, fmt.Errorf("failed to spool object %s: %w", key, err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	return s.Put(ctx, key, tmp, size, contentType)
}

// Exists checks if an object exists using HeadObject.
func (s *S3Sink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence %s: %w", key, err)
	}
	return true, nil
}

// Remove deletes an object.
func (s *S3Sink) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// Ping verifies the bucket is reachable.
func (s *S3Sink) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil && !isNotFoundError(err) {
		return err
	}
	return nil
}

// isNotFoundError checks if the error indicates the object was not found.
// The SDK surfaces NotFound/NoSuchKey differently per backend, so match
// on the error text the way the smithy errors render it.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") ||
		strings.Contains(msg, "NoSuchKey") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "404")
}

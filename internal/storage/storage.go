package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/masshaul/masshaul/internal/config"
)

// Supported sink backends.
const (
	BackendMinio = "minio"
	BackendS3    = "s3"
)

// Sink is where transferred bytes land. Implementations must tolerate
// Put being called again with the same key: transfers are retried and
// resumed, and a key always identifies the same content.
type Sink interface {
	// Put stores an object. size may be -1 when the length is unknown
	// (streaming transfers). Returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error)
	// Exists reports whether an object is already stored under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Remove deletes an object. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Ping verifies the sink is reachable and the bucket exists.
	Ping(ctx context.Context) error
}

// NewSink selects and builds the configured sink backend.
func NewSink(cfg *config.Config) (Sink, error) {
	switch cfg.StorageBackend {
	case BackendMinio:
		return NewMinioSink(cfg)
	case BackendS3:
		return NewS3Sink(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// PutFile uploads a local file to the sink under key.
func PutFile(ctx context.Context, sink Sink, key, path, contentType string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}

	return sink.Put(ctx, key, file, info.Size(), contentType)
}

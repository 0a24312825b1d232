// Package ytdlp adapts the yt-dlp command line tool into the discovery
// and transfer boundaries the scheduler consumes. Discovery lists a
// channel without downloading anything; transfer moves one item's bytes
// into a storage sink. Every invocation of the binary first takes a
// token from the per-service rate limiter so listing and transfer each
// pace the remote at their own configured rate.
package ytdlp

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/masshaul/masshaul/internal/cache"
	apperrors "github.com/masshaul/masshaul/internal/errors"
	"github.com/masshaul/masshaul/internal/models"
	"github.com/masshaul/masshaul/internal/ratelimit"
)

// Config holds configuration for the yt-dlp adapter
type Config struct {
	// YtdlpPath is the path to the yt-dlp binary (default: "yt-dlp")
	YtdlpPath string
	// Format is the yt-dlp format selector passed to transfers
	Format string
	// Mode selects how transferred bytes reach the sink, one of the
	// models.Mode* constants
	Mode string
	// WorkDir holds temporary files for the local_then_upload mode
	WorkDir string
	// DownloadDir is the final destination for the local_only mode
	DownloadDir string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		YtdlpPath:   "yt-dlp",
		Format:      "bestvideo*+bestaudio/best",
		Mode:        models.ModeStreamToS3,
		WorkDir:     os.TempDir(),
		DownloadDir: "./downloads",
	}
}

// Rate limiter service names. Discovery and transfer pace the remote
// independently since listings are cheap and streams are not.
const (
	ServiceDiscovery = "discovery"
	ServiceTransfer  = "transfer"
)

// ProgressFunc receives the running byte count for an in-flight
// transfer. Calls arrive from the transfer goroutine and must not block.
type ProgressFunc func(bytes int64)

// Service wraps yt-dlp for channel discovery and item transfer. One
// Service instance is shared by all workers; it holds no per-call state.
type Service struct {
	cfg      *Config
	limiters *ratelimit.PerService
	cache    *cache.DiscoveryCache
}

// New creates a yt-dlp adapter. The limiter registry and discovery
// cache may be nil, which disables pacing and caching respectively. A
// missing binary is a fatal configuration error because no job can make
// progress without it.
func New(cfg *Config, limiters *ratelimit.PerService, discoveryCache *cache.DiscoveryCache) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if _, err := exec.LookPath(cfg.YtdlpPath); err != nil {
		return nil, apperrors.FatalConfig(fmt.Sprintf("yt-dlp binary %q not found in PATH", cfg.YtdlpPath)).WithCause(err)
	}

	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, apperrors.FatalConfig(fmt.Sprintf("failed to create work directory %s", cfg.WorkDir)).WithCause(err)
	}

	if cfg.Mode == models.ModeLocalOnly {
		if err := os.MkdirAll(cfg.DownloadDir, 0755); err != nil {
			return nil, apperrors.FatalConfig(fmt.Sprintf("failed to create download directory %s", cfg.DownloadDir)).WithCause(err)
		}
	}

	return &Service{cfg: cfg, limiters: limiters, cache: discoveryCache}, nil
}

// validateURL checks that a URL is well formed enough to hand to the
// binary. Source-specific shape checks happen earlier, in the channel
// validators.
func validateURL(sourceURL string) error {
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return apperrors.ValidationError(fmt.Sprintf("invalid url %q", sourceURL)).WithCause(err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return apperrors.ValidationError(fmt.Sprintf("unsupported url scheme %q", parsed.Scheme))
	}

	if parsed.Host == "" {
		return apperrors.ValidationError(fmt.Sprintf("url %q has no host", sourceURL))
	}

	return nil
}

// formatExt picks the container extension for a format selector. The
// key for an item must be chosen before yt-dlp runs, so this is a
// heuristic rather than an inspection of the actual stream.
func formatExt(format string) string {
	if strings.Contains(strings.ToLower(format), "audio") && !strings.Contains(strings.ToLower(format), "video") {
		return ".m4a"
	}
	return ".mp4"
}

// contentTypeForExt maps a file extension onto the MIME type sent to
// the sink
func contentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}

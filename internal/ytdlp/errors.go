package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	apperrors "github.com/masshaul/masshaul/internal/errors"
)

// stderrTailLen bounds how much stderr ends up inside an error message
const stderrTailLen = 400

// categorizeError converts a failed yt-dlp invocation into a classified
// error by pattern-matching the stderr the process left behind. The
// classification drives retry and circuit breaker decisions, so the
// buckets matter more than the exact wording.
func categorizeError(sourceURL string, err error, stderr string) error {
	if err == nil {
		return nil
	}

	// Cancellation is the caller's doing, not a remote failure.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, exec.ErrNotFound) {
		return apperrors.FatalConfig("yt-dlp binary not found").WithCause(err)
	}

	stderrLower := strings.ToLower(stderr)
	tail := stderrTail(stderr)

	switch {
	case containsAny(stderrLower,
		"video unavailable",
		"this video is unavailable",
		"content isn't available",
		"has been removed",
		"account associated with this video has been terminated",
		"private video",
		"is private",
		"members-only",
		"join this channel",
		"sign in to confirm your age",
		"age-restricted",
		"not available in your country"):
		return apperrors.RemoteUnavailable(fmt.Sprintf("%s: %s", sourceURL, tail)).WithCause(err)

	case containsAny(stderrLower,
		"429",
		"too many requests",
		"rate limit",
		"rate-limit"):
		return apperrors.RateLimited("remote service").
			WithDetails(map[string]any{"source_url": sourceURL}).
			WithCause(err)

	case containsAny(stderrLower,
		"unsupported url",
		"is not a valid url",
		"no suitable extractor"):
		return apperrors.ValidationError(fmt.Sprintf("%s: %s", sourceURL, tail)).WithCause(err)

	case containsAny(stderrLower,
		"no space left",
		"read-only file system",
		"permission denied",
		"disk full"):
		return apperrors.LocalIO(fmt.Sprintf("%s: %s", sourceURL, tail)).WithCause(err)

	default:
		msg := fmt.Sprintf("yt-dlp failed for %s", sourceURL)
		if tail != "" {
			msg = fmt.Sprintf("%s: %s", msg, tail)
		}
		return apperrors.TransientNetwork(msg).WithCause(err)
	}
}

// containsAny reports whether s contains any of the substrings
func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// stderrTail flattens stderr to a single line and keeps the end of it,
// which is where yt-dlp puts the actual ERROR line.
func stderrTail(stderr string) string {
	flat := strings.Join(strings.Fields(stderr), " ")
	if len(flat) <= stderrTailLen {
		return flat
	}
	return "..." + flat[len(flat)-stderrTailLen:]
}

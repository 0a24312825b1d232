package ytdlp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/masshaul/masshaul/internal/db"
	apperrors "github.com/masshaul/masshaul/internal/errors"
	"github.com/masshaul/masshaul/internal/models"
	"github.com/masshaul/masshaul/internal/storage"
)

// progressByteInterval is how many bytes flow between progress calls in
// streaming mode. Large enough that the callback never becomes the
// bottleneck on fast links.
const progressByteInterval = 512 * 1024

// Transfer moves one item's bytes into the sink and reports the
// outcome. The storage key is derived from the item's content identity
// so a retried or resumed transfer of the same item lands on the same
// key, making the whole operation idempotent at the sink. The progress
// callback, when non-nil, receives running byte counts while the
// transfer streams.
//
// In streaming mode the object is removed again when yt-dlp exits
// nonzero after bytes were already written, so a partial stream is
// never left behind looking like a finished object.
func (s *Service) Transfer(ctx context.Context, item models.ItemDescriptor, sink storage.Sink, progress ProgressFunc) (models.TransferOutcome, error) {
	var outcome models.TransferOutcome

	if err := validateURL(item.SourceURL); err != nil {
		return outcome, err
	}

	if err := s.limiters.Wait(ctx, ServiceTransfer); err != nil {
		return outcome, err
	}

	ext := formatExt(s.cfg.Format)
	identity := db.CalculateIdentityHash(item.ChannelID, item.Title, item.DurationSec)
	key := db.StorageKey(item.ChannelID, identity, item.Title, ext)

	switch s.cfg.Mode {
	case models.ModeLocalThenUpload:
		return s.transferViaFile(ctx, item, sink, key, ext, progress)
	case models.ModeLocalOnly:
		return s.transferLocalOnly(ctx, item, key, progress)
	default:
		return s.transferStreaming(ctx, item, sink, key, ext, progress)
	}
}

// transferStreaming pipes yt-dlp stdout straight into the sink without
// touching local disk. Progress comes from counting the bytes that move
// through the pipe; stderr is collected for error classification.
func (s *Service) transferStreaming(ctx context.Context, item models.ItemDescriptor, sink storage.Sink, key, ext string, progress ProgressFunc) (models.TransferOutcome, error) {
	var outcome models.TransferOutcome

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := []string{
		"-f", s.cfg.Format,
		"-o", "-",
		"--no-warnings",
		"--quiet",
		item.SourceURL,
	}
	cmd := exec.CommandContext(cmdCtx, s.cfg.YtdlpPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return outcome, apperrors.InternalError("failed to create stdout pipe").WithCause(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return outcome, apperrors.InternalError("failed to create stderr pipe").WithCause(err)
	}

	if err := cmd.Start(); err != nil {
		return outcome, categorizeError(item.SourceURL, err, "")
	}

	var stderrOutput strings.Builder
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			stderrOutput.WriteString(scanner.Text())
			stderrOutput.WriteString("\n")
		}
	}()

	reader := &countingReader{r: stdout, report: progress}

	written, putErr := sink.Put(ctx, key, reader, -1, contentTypeForExt(ext))
	if putErr != nil {
		// Stop the producer before reaping it so Wait cannot block on a
		// full pipe.
		cancel()
		_ = cmd.Wait()
		<-stderrDone
		return outcome, apperrors.StorageError(fmt.Sprintf("sink write failed for %s", key)).WithCause(putErr)
	}

	waitErr := cmd.Wait()
	<-stderrDone

	if waitErr != nil {
		// The pipe reached EOF when the process died, so the sink holds
		// an incomplete object under a key that promises a complete one.
		_ = sink.Remove(ctx, key)
		return outcome, categorizeError(item.SourceURL, waitErr, stderrOutput.String())
	}

	if written == 0 {
		_ = sink.Remove(ctx, key)
		return outcome, apperrors.TransientNetwork(fmt.Sprintf("transfer of %s produced no bytes", item.SourceURL))
	}

	outcome.Bytes = written
	outcome.StorageKey = key
	outcome.Success = true
	return outcome, nil
}

// transferViaFile downloads into the work directory, then uploads the
// finished file. Slower than streaming but survives sinks that need a
// known content length. Progress comes from yt-dlp's own progress lines.
func (s *Service) transferViaFile(ctx context.Context, item models.ItemDescriptor, sink storage.Sink, key, ext string, progress ProgressFunc) (models.TransferOutcome, error) {
	var outcome models.TransferOutcome

	tmpPath := filepath.Join(s.cfg.WorkDir, fmt.Sprintf("transfer_%d_%s", time.Now().UnixNano(), filepath.Base(key)))
	defer os.Remove(tmpPath)

	if err := s.downloadToFile(ctx, item, tmpPath, progress); err != nil {
		return outcome, err
	}

	written, err := storage.PutFile(ctx, sink, key, tmpPath, contentTypeForExt(ext))
	if err != nil {
		return outcome, apperrors.StorageError(fmt.Sprintf("upload failed for %s", key)).WithCause(err)
	}

	outcome.Bytes = written
	outcome.StorageKey = key
	outcome.Success = true
	return outcome, nil
}

// transferLocalOnly downloads beneath the download directory, mirroring
// the key layout a sink would use, and skips the upload entirely.
func (s *Service) transferLocalOnly(ctx context.Context, item models.ItemDescriptor, key string, progress ProgressFunc) (models.TransferOutcome, error) {
	var outcome models.TransferOutcome

	finalPath := filepath.Join(s.cfg.DownloadDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return outcome, apperrors.LocalIO(fmt.Sprintf("failed to create %s", filepath.Dir(finalPath))).WithCause(err)
	}

	if err := s.downloadToFile(ctx, item, finalPath, progress); err != nil {
		return outcome, err
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return outcome, apperrors.LocalIO(fmt.Sprintf("downloaded file missing at %s", finalPath)).WithCause(err)
	}

	outcome.Bytes = info.Size()
	outcome.StorageKey = key
	outcome.Success = true
	return outcome, nil
}

// downloadToFile runs yt-dlp with an explicit output path and forwards
// its progress lines as byte counts.
func (s *Service) downloadToFile(ctx context.Context, item models.ItemDescriptor, path string, progress ProgressFunc) error {
	args := []string{
		"-f", s.cfg.Format,
		"-o", path,
		"--newline",
		"--progress",
		"--no-warnings",
		item.SourceURL,
	}
	cmd := exec.CommandContext(ctx, s.cfg.YtdlpPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.InternalError("failed to create stdout pipe").WithCause(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return apperrors.InternalError("failed to create stderr pipe").WithCause(err)
	}

	if err := cmd.Start(); err != nil {
		return categorizeError(item.SourceURL, err, "")
	}

	var stderrOutput strings.Builder
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			stderrOutput.WriteString(scanner.Text())
			stderrOutput.WriteString("\n")
		}
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		percent, totalBytes, ok := parseProgress(scanner.Text())
		if ok && totalBytes > 0 && progress != nil {
			progress(int64(percent / 100 * float64(totalBytes)))
		}
	}

	waitErr := cmd.Wait()
	<-stderrDone

	if waitErr != nil {
		os.Remove(path)
		return categorizeError(item.SourceURL, waitErr, stderrOutput.String())
	}

	return nil
}

// countingReader counts bytes as they pass and reports the running
// total at progressByteInterval boundaries
type countingReader struct {
	r      io.Reader
	n      int64
	last   int64
	report func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.report != nil && c.n-c.last >= progressByteInterval {
		c.last = c.n
		c.report(c.n)
	}
	return n, err
}

// progressRe matches yt-dlp progress lines like
// "[download]  45.2% of ~120.5MiB at 2.1MiB/s ETA 00:03". The size
// group is optional since late lines can omit it.
var progressRe = regexp.MustCompile(`^\[download\]\s+([0-9]+(?:\.[0-9]+)?)%(?:\s+of\s+~?\s*([0-9]+(?:\.[0-9]+)?)\s*([KMGT]i?B|B))?`)

// parseProgress extracts the completion percentage and total size from
// a yt-dlp progress line. totalBytes is zero when the line carries no
// size. ok is false for lines that are not progress lines at all.
func parseProgress(line string) (percent float64, totalBytes int64, ok bool) {
	m := progressRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, 0, false
	}

	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, 0, false
	}

	if m[2] != "" {
		value, err := strconv.ParseFloat(m[2], 64)
		if err == nil {
			totalBytes = int64(value * sizeUnitBytes(m[3]))
		}
	}

	return percent, totalBytes, true
}

// sizeUnitBytes maps a size suffix onto its byte multiplier. yt-dlp
// emits binary units; decimal ones are accepted too.
func sizeUnitBytes(unit string) float64 {
	switch unit {
	case "B":
		return 1
	case "KiB":
		return 1 << 10
	case "MiB":
		return 1 << 20
	case "GiB":
		return 1 << 30
	case "TiB":
		return 1 << 40
	case "KB":
		return 1e3
	case "MB":
		return 1e6
	case "GB":
		return 1e9
	case "TB":
		return 1e12
	default:
		return 0
	}
}

package ytdlp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	apperrors "github.com/masshaul/masshaul/internal/errors"
	"github.com/masshaul/masshaul/internal/models"
)

// listingScanBuffer bounds a single --dump-json line. Flat playlist
// entries are small but descriptions can push a line past the bufio
// default.
const listingScanBuffer = 1 << 20

// flatEntry is one JSON line emitted by yt-dlp --flat-playlist
// --dump-json. Field availability varies by extractor, so every
// consumer falls back through the alternatives.
type flatEntry struct {
	Type              string  `json:"_type"`
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	URL               string  `json:"url"`
	WebpageURL        string  `json:"webpage_url"`
	Duration          float64 `json:"duration"`
	Channel           string  `json:"channel"`
	ChannelID         string  `json:"channel_id"`
	Uploader          string  `json:"uploader"`
	UploaderID        string  `json:"uploader_id"`
	Timestamp         int64   `json:"timestamp"`
	UploadDate        string  `json:"upload_date"`
	Filesize          int64   `json:"filesize"`
	FilesizeApprox    int64   `json:"filesize_approx"`
	PlaylistID        string  `json:"playlist_id"`
	PlaylistTitle     string  `json:"playlist_title"`
	PlaylistChannel   string  `json:"playlist_channel"`
	PlaylistChannelID string  `json:"playlist_channel_id"`
}

// sourceURL returns the watchable URL for the entry, composing one from
// the video ID when the listing only carries the ID.
func (e *flatEntry) sourceURL() string {
	if e.URL != "" {
		return e.URL
	}
	if e.WebpageURL != "" {
		return e.WebpageURL
	}
	return "https://www.youtube.com/watch?v=" + e.ID
}

// channelIdentity returns the remote channel ID and display name the
// entry carries, preferring entry-level fields over playlist-level ones.
func (e *flatEntry) channelIdentity() (id, title string) {
	switch {
	case e.ChannelID != "":
		id = e.ChannelID
	case e.PlaylistChannelID != "":
		id = e.PlaylistChannelID
	case e.UploaderID != "":
		id = e.UploaderID
	default:
		id = e.PlaylistID
	}

	switch {
	case e.Channel != "":
		title = e.Channel
	case e.PlaylistChannel != "":
		title = e.PlaylistChannel
	case e.Uploader != "":
		title = e.Uploader
	default:
		title = e.PlaylistTitle
	}

	return id, title
}

// publishedAt resolves the upload time, preferring the exact timestamp
// over the date-only field. Returns nil when the listing carries
// neither.
func (e *flatEntry) publishedAt() *time.Time {
	if e.Timestamp > 0 {
		t := time.Unix(e.Timestamp, 0).UTC()
		return &t
	}
	if e.UploadDate != "" {
		if t, err := time.Parse("20060102", e.UploadDate); err == nil {
			return &t
		}
	}
	return nil
}

// descriptor converts the entry into the scheduler-facing shape
func (e *flatEntry) descriptor(ordinal int) models.ItemDescriptor {
	channelID, channelTitle := e.channelIdentity()

	sizeHint := e.Filesize
	if sizeHint == 0 {
		sizeHint = e.FilesizeApprox
	}

	return models.ItemDescriptor{
		ItemID:       e.ID,
		ChannelID:    channelID,
		ChannelTitle: channelTitle,
		Title:        e.Title,
		SourceURL:    e.sourceURL(),
		Ordinal:      ordinal,
		DurationSec:  int(e.Duration),
		SizeHint:     sizeHint,
		PublishedAt:  e.publishedAt(),
	}
}

// Discover lists a channel and returns its items in listing order,
// capped at maxItems when maxItems is positive. It never downloads
// content. Results are served from the discovery cache when a fresh
// listing for the same channel and cap exists.
func (s *Service) Discover(ctx context.Context, channelURL string, maxItems int) ([]models.ItemDescriptor, error) {
	if err := validateURL(channelURL); err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("%s|max=%d", channelURL, maxItems)
	if s.cache != nil {
		if items, ok := s.cache.Get(ctx, cacheKey); ok {
			return items, nil
		}
	}

	if err := s.limiters.Wait(ctx, ServiceDiscovery); err != nil {
		return nil, err
	}

	args := []string{
		"--quiet",
		"--no-warnings",
		"--dump-json",
		"--flat-playlist",
	}
	if maxItems > 0 {
		args = append(args, "--playlist-items", fmt.Sprintf("1:%d", maxItems))
	}
	args = append(args, channelURL)

	cmd := exec.CommandContext(ctx, s.cfg.YtdlpPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.InternalError("failed to create stdout pipe").WithCause(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.InternalError("failed to create stderr pipe").WithCause(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, categorizeError(channelURL, err, "")
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

	items, parseErr := parseListing(stdout, maxItems)

	waitErr := cmd.Wait()
	<-stderrDone

	if waitErr != nil {
		return nil, categorizeError(channelURL, waitErr, stderrOutput.String())
	}
	if parseErr != nil {
		return nil, parseErr
	}

	if s.cache != nil && len(items) > 0 {
		s.cache.Set(ctx, cacheKey, items)
	}

	return items, nil
}

// parseListing reads JSON lines from a flat playlist dump and converts
// them into ordered descriptors. Duplicate IDs and nested playlist
// entries are dropped. Malformed lines are skipped unless nothing at
// all parsed, which reports the listing as unreadable.
func parseListing(r io.Reader, maxItems int) ([]models.ItemDescriptor, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), listingScanBuffer)

	items := make([]models.ItemDescriptor, 0)
	seen := make(map[string]bool)
	malformed := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry flatEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			malformed++
			continue
		}

		if entry.ID == "" || entry.Type == "playlist" {
			continue
		}
		if seen[entry.ID] {
			continue
		}
		seen[entry.ID] = true

		items = append(items, entry.descriptor(len(items)+1))

		// The CLI flag caps the listing remotely; cap again here since
		// not every extractor honors it.
		if maxItems > 0 && len(items) >= maxItems {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, apperrors.TransientNetwork("listing output truncated").WithCause(err)
	}
	if len(items) == 0 && malformed > 0 {
		return nil, apperrors.TransientNetwork(fmt.Sprintf("listing produced no parseable entries (%d malformed lines)", malformed))
	}

	return items, nil
}

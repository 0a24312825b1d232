package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	apperrors "github.com/masshaul/masshaul/internal/errors"
)

func TestCategorizeError(t *testing.T) {
	base := errors.New("exit status 1")

	tests := []struct {
		name      string
		stderr    string
		wantClass apperrors.Classification
		retryable bool
	}{
		{
			name:      "video unavailable",
			stderr:    "ERROR: [youtube] dQw4w9WgXcQ: Video unavailable",
			wantClass: apperrors.ClassResourceUnavailableRemote,
			retryable: false,
		},
		{
			name:      "private video",
			stderr:    "ERROR: Private video. Sign in if you've been granted access to this video",
			wantClass: apperrors.ClassResourceUnavailableRemote,
			retryable: false,
		},
		{
			name:      "members only",
			stderr:    "ERROR: Join this channel to get access to members-only content",
			wantClass: apperrors.ClassResourceUnavailableRemote,
			retryable: false,
		},
		{
			name:      "removed by uploader",
			stderr:    "ERROR: This video has been removed by the uploader",
			wantClass: apperrors.ClassResourceUnavailableRemote,
			retryable: false,
		},
		{
			name:      "age restricted",
			stderr:    "ERROR: Sign in to confirm your age. This video may be inappropriate for some users.",
			wantClass: apperrors.ClassResourceUnavailableRemote,
			retryable: false,
		},
		{
			name:      "http 429",
			stderr:    "ERROR: unable to download video data: HTTP Error 429: Too Many Requests",
			wantClass: apperrors.ClassRateLimited,
			retryable: true,
		},
		{
			name:      "unsupported url",
			stderr:    "ERROR: Unsupported URL: https://example.com/page",
			wantClass: apperrors.ClassValidation,
			retryable: false,
		},
		{
			name:      "not a valid url",
			stderr:    "ERROR: 'what' is not a valid URL.",
			wantClass: apperrors.ClassValidation,
			retryable: false,
		},
		{
			name:      "disk full",
			stderr:    "ERROR: unable to write data: [Errno 28] No space left on device",
			wantClass: apperrors.ClassLocalIO,
			retryable: true,
		},
		{
			name:      "connection reset",
			stderr:    "ERROR: unable to download webpage: <urlopen error [Errno 104] Connection reset by peer>",
			wantClass: apperrors.ClassTransientNetwork,
			retryable: true,
		},
		{
			name:      "timeout",
			stderr:    "ERROR: unable to download webpage: <urlopen error timed out>",
			wantClass: apperrors.ClassTransientNetwork,
			retryable: true,
		},
		{
			name:      "empty stderr defaults to transient",
			stderr:    "",
			wantClass: apperrors.ClassTransientNetwork,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := categorizeError("https://www.youtube.com/watch?v=abc", base, tt.stderr)
			if err == nil {
				t.Fatal("expected an error")
			}

			var appErr *apperrors.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected *AppError, got %T", err)
			}
			if appErr.Classification != tt.wantClass {
				t.Errorf("classification = %s, want %s", appErr.Classification, tt.wantClass)
			}
			if got := apperrors.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
			if !errors.Is(err, base) {
				t.Error("categorized error should wrap the original error")
			}
		})
	}
}

func TestCategorizeError_NilPassthrough(t *testing.T) {
	if err := categorizeError("https://example.com", nil, "whatever"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestCategorizeError_ContextCancellation(t *testing.T) {
	err := categorizeError("https://example.com", context.Canceled, "some stderr noise")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled passthrough, got %v", err)
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		t.Error("cancellation should not be wrapped as an AppError")
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		wantPercent float64
		wantTotal   int64
		wantOK      bool
	}{
		{
			name:        "typical line with approximate size",
			line:        "[download]  45.2% of ~120.5MiB at 2.1MiB/s ETA 00:03",
			wantPercent: 45.2,
			wantTotal:   int64(120.5 * 1024 * 1024),
			wantOK:      true,
		},
		{
			name:        "exact size",
			line:        "[download] 100% of 5.00MiB in 00:02",
			wantPercent: 100,
			wantTotal:   5 * 1024 * 1024,
			wantOK:      true,
		},
		{
			name:        "gibibyte size",
			line:        "[download]   0.0% of 1.00GiB at 512.00KiB/s ETA 34:08",
			wantPercent: 0,
			wantTotal:   1 << 30,
			wantOK:      true,
		},
		{
			name:        "percent without size",
			line:        "[download] 12.3%",
			wantPercent: 12.3,
			wantTotal:   0,
			wantOK:      true,
		},
		{
			name:   "destination line",
			line:   "[download] Destination: video.mp4",
			wantOK: false,
		},
		{
			name:   "unrelated output",
			line:   "Deleting original file video.f137.mp4",
			wantOK: false,
		},
		{
			name:   "empty",
			line:   "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			percent, total, ok := parseProgress(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if percent != tt.wantPercent {
				t.Errorf("percent = %v, want %v", percent, tt.wantPercent)
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
		})
	}
}

func TestSizeUnitBytes(t *testing.T) {
	tests := []struct {
		unit string
		want float64
	}{
		{"B", 1},
		{"KiB", 1024},
		{"MiB", 1024 * 1024},
		{"GiB", 1 << 30},
		{"TiB", 1 << 40},
		{"KB", 1000},
		{"MB", 1e6},
		{"GB", 1e9},
		{"nonsense", 0},
	}

	for _, tt := range tests {
		if got := sizeUnitBytes(tt.unit); got != tt.want {
			t.Errorf("sizeUnitBytes(%q) = %v, want %v", tt.unit, got, tt.want)
		}
	}
}

func TestParseListing(t *testing.T) {
	listing := strings.Join([]string{
		`{"id": "vid01", "title": "First Video", "url": "https://www.youtube.com/watch?v=vid01", "duration": 182.5, "channel": "Some Creator", "channel_id": "UCabc123", "filesize_approx": 1048576}`,
		`not json at all`,
		`{"id": "vid02", "title": "Second Video", "duration": 61, "uploader": "Some Creator", "uploader_id": "UCabc123"}`,
		`{"_type": "playlist", "id": "PLnested", "title": "A Nested Playlist"}`,
		`{"id": "vid01", "title": "First Video Duplicate Line"}`,
		``,
		`{"id": "vid03", "title": "Third Video", "url": "https://www.youtube.com/watch?v=vid03", "timestamp": 1700000000}`,
	}, "\n")

	items, err := parseListing(strings.NewReader(listing), 0)
	if err != nil {
		t.Fatalf("parseListing failed: %v", err)
	}

	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}

	first := items[0]
	if first.ItemID != "vid01" {
		t.Errorf("ItemID = %s, want vid01", first.ItemID)
	}
	if first.Ordinal != 1 {
		t.Errorf("Ordinal = %d, want 1", first.Ordinal)
	}
	if first.ChannelID != "UCabc123" {
		t.Errorf("ChannelID = %s, want UCabc123", first.ChannelID)
	}
	if first.ChannelTitle != "Some Creator" {
		t.Errorf("ChannelTitle = %s, want Some Creator", first.ChannelTitle)
	}
	if first.DurationSec != 182 {
		t.Errorf("DurationSec = %d, want 182", first.DurationSec)
	}
	if first.SizeHint != 1048576 {
		t.Errorf("SizeHint = %d, want 1048576", first.SizeHint)
	}

	second := items[1]
	if second.Ordinal != 2 {
		t.Errorf("second Ordinal = %d, want 2", second.Ordinal)
	}
	if second.ChannelID != "UCabc123" {
		t.Errorf("uploader_id fallback: ChannelID = %s, want UCabc123", second.ChannelID)
	}
	if want := "https://www.youtube.com/watch?v=vid02"; second.SourceURL != want {
		t.Errorf("composed SourceURL = %s, want %s", second.SourceURL, want)
	}

	third := items[2]
	if third.Ordinal != 3 {
		t.Errorf("third Ordinal = %d, want 3", third.Ordinal)
	}
	if third.PublishedAt == nil {
		t.Error("expected PublishedAt from timestamp field")
	} else if third.PublishedAt.Unix() != 1700000000 {
		t.Errorf("PublishedAt = %d, want 1700000000", third.PublishedAt.Unix())
	}
}

func TestParseListing_MaxItemsCap(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"id": "vid01", "title": "One"}` + "\n")
	buf.WriteString(`{"id": "vid02", "title": "Two"}` + "\n")
	buf.WriteString(`{"id": "vid03", "title": "Three"}` + "\n")

	items, err := parseListing(&buf, 2)
	if err != nil {
		t.Fatalf("parseListing failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected cap at 2 items, got %d", len(items))
	}
	if items[1].ItemID != "vid02" {
		t.Errorf("expected listing order preserved, second item = %s", items[1].ItemID)
	}
}

func TestParseListing_EmptyListing(t *testing.T) {
	items, err := parseListing(strings.NewReader(""), 0)
	if err != nil {
		t.Fatalf("empty listing should not error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected no items, got %d", len(items))
	}
}

func TestParseListing_AllMalformed(t *testing.T) {
	_, err := parseListing(strings.NewReader("garbage\nmore garbage\n"), 0)
	if err == nil {
		t.Fatal("expected an error when nothing parses")
	}
	if apperrors.ClassificationOf(err) != apperrors.ClassTransientNetwork {
		t.Errorf("classification = %s, want transient_network", apperrors.ClassificationOf(err))
	}
}

func TestFlatEntry_UploadDateFallback(t *testing.T) {
	entry := flatEntry{ID: "vid01", Title: "Video", UploadDate: "20240131"}
	published := entry.publishedAt()
	if published == nil {
		t.Fatal("expected PublishedAt from upload_date")
	}
	if published.Year() != 2024 || published.Month() != 1 || published.Day() != 31 {
		t.Errorf("PublishedAt = %v, want 2024-01-31", published)
	}
}

func TestCountingReader(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), progressByteInterval*2+100)

	var reports []int64
	reader := &countingReader{
		r:      bytes.NewReader(payload),
		report: func(n int64) { reports = append(reports, n) },
	}

	buf := make([]byte, 64*1024)
	var total int64
	for {
		n, err := reader.Read(buf)
		total += int64(n)
		if err != nil {
			break
		}
	}

	if total != int64(len(payload)) {
		t.Fatalf("read %d bytes, want %d", total, len(payload))
	}
	if len(reports) < 2 {
		t.Fatalf("expected at least 2 progress reports, got %d", len(reports))
	}
	for i := 1; i < len(reports); i++ {
		if reports[i] <= reports[i-1] {
			t.Errorf("progress reports should be increasing: %v", reports)
		}
	}
}

func TestNew_BinaryMissing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.YtdlpPath = "definitely-not-a-real-binary-masshaul-test"

	_, err := New(cfg, nil, nil)
	if err == nil {
		t.Fatal("expected an error for a missing binary")
	}
	if !apperrors.IsFatal(err) {
		t.Errorf("missing binary should be fatal_config, got %s", apperrors.ClassificationOf(err))
	}
}

func TestFormatExt(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"bestaudio/best", ".m4a"},
		{"bestaudio", ".m4a"},
		{"bestvideo*+bestaudio/best", ".mp4"},
		{"best", ".mp4"},
	}

	for _, tt := range tests {
		if got := formatExt(tt.format); got != tt.want {
			t.Errorf("formatExt(%q) = %s, want %s", tt.format, got, tt.want)
		}
	}
}

func TestValidateURL(t *testing.T) {
	valid := []string{
		"https://www.youtube.com/@somecreator",
		"http://example.com/watch?v=abc",
	}
	for _, u := range valid {
		if err := validateURL(u); err != nil {
			t.Errorf("validateURL(%q) = %v, want nil", u, err)
		}
	}

	invalid := []string{
		"ftp://example.com/file",
		"not a url",
		"https://",
	}
	for _, u := range invalid {
		err := validateURL(u)
		if err == nil {
			t.Errorf("validateURL(%q) = nil, want error", u)
			continue
		}
		if !apperrors.IsValidation(err) {
			t.Errorf("validateURL(%q) classification = %s, want validation", u, apperrors.ClassificationOf(err))
		}
	}
}

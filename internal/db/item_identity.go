package db

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ItemIdentity contains the normalized components used for identity hash calculation.
type ItemIdentity struct {
	ChannelID   string
	Title       string
	DurationSec int
}

// Non-identifying decorations uploaders append to item titles. Matched
// against the end of the title, repeatedly, since decorations stack
// ("Song (Official Video) [4K]").
var decorationPatterns = []*regexp.Regexp{
	// Parentheses patterns
	regexp.MustCompile(`(?i)\s*\(official\s*(music\s*)?video\)\s*$`),
	regexp.MustCompile(`(?i)\s*\(official\s*audio\)\s*$`),
	regexp.MustCompile(`(?i)\s*\(official\s*trailer\)\s*$`),
	regexp.MustCompile(`(?i)\s*\(lyric\s*video\)\s*$`),
	regexp.MustCompile(`(?i)\s*\(lyrics\)\s*$`),
	regexp.MustCompile(`(?i)\s*\(visuali[sz]er\)\s*$`),
	regexp.MustCompile(`(?i)\s*\(audio\)\s*$`),
	regexp.MustCompile(`(?i)\s*\(out\s*now\)\s*$`),
	regexp.MustCompile(`(?i)\s*\(hd\)\s*$`),
	regexp.MustCompile(`(?i)\s*\(4k\)\s*$`),
	regexp.MustCompile(`(?i)\s*\((720|1080|2160)p\)\s*$`),
	regexp.MustCompile(`(?i)\s*\(full\s*(episode|version|album|stream|set)\)\s*$`),
	regexp.MustCompile(`(?i)\s*\(remaster(ed)?\)\s*$`),
	regexp.MustCompile(`(?i)\s*\((\d{4}\s+)?remaster(ed)?\)\s*$`),

	// Bracket patterns
	regexp.MustCompile(`(?i)\s*\[official\s*(music\s*)?video\]\s*$`),
	regexp.MustCompile(`(?i)\s*\[official\s*audio\]\s*$`),
	regexp.MustCompile(`(?i)\s*\[lyric\s*video\]\s*$`),
	regexp.MustCompile(`(?i)\s*\[lyrics\]\s*$`),
	regexp.MustCompile(`(?i)\s*\[visuali[sz]er\]\s*$`),
	regexp.MustCompile(`(?i)\s*\[hd\]\s*$`),
	regexp.MustCompile(`(?i)\s*\[4k\]\s*$`),
	regexp.MustCompile(`(?i)\s*\[(720|1080|2160)p\]\s*$`),
	regexp.MustCompile(`(?i)\s*\[full\s*(episode|version|album|stream|set)\]\s*$`),
	regexp.MustCompile(`(?i)\s*\[remaster(ed)?\]\s*$`),

	// Pipe and dash suffixes
	regexp.MustCompile(`(?i)\s*\|\s*official\s*(music\s*)?video\s*$`),
	regexp.MustCompile(`(?i)\s*\|\s*official\s*audio\s*$`),
	regexp.MustCompile(`(?i)\s*\|\s*(hd|4k)\s*$`),
	regexp.MustCompile(`(?i)\s+-\s*official\s*(music\s*)?video\s*$`),
	regexp.MustCompile(`(?i)\s+-\s*official\s*audio\s*$`),
	regexp.MustCompile(`(?i)\s+-\s*lyric\s*video\s*$`),
}

// maxDecorationPasses bounds the strip loop; real titles stack at most
// a few decorations.
const maxDecorationPasses = 4

// CleanTitle strips trailing decorations from an item title, leaving
// the part that identifies the content.
func CleanTitle(title string) string {
	if title == "" {
		return ""
	}

	clean := strings.TrimSpace(title)
	for pass := 0; pass < maxDecorationPasses; pass++ {
		stripped := false
		for _, pattern := range decorationPatterns {
			if loc := pattern.FindStringIndex(clean); loc != nil {
				clean = strings.TrimSpace(clean[:loc[0]])
				stripped = true
				break
			}
		}
		if !stripped {
			break
		}
	}

	return clean
}

// NormalizeString applies all normalization rules to a string:
// - Transliterate accents to ASCII
// - Collapse multiple spaces
// - Lowercase
// - Remove leading articles ("The ")
func NormalizeString(s string) string {
	if s == "" {
		return ""
	}

	s = transliterate(s)
	s = collapseSpaces(s)
	s = strings.ToLower(s)
	s = removeCommonPrefixes(s)
	s = strings.TrimSpace(s)

	return s
}

// transliterate converts accented characters to their ASCII equivalents.
func transliterate(s string) string {
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)), // Mn: Mark, Nonspacing
		norm.NFC,
	)

	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}

// removeCommonPrefixes removes "The " and similar articles from the beginning.
func removeCommonPrefixes(s string) string {
	prefixes := []string{"the ", "a ", "an "}
	lower := strings.ToLower(s)
	for _, prefix := range prefixes {
		if strings.HasPrefix(lower, prefix) {
			return s[len(prefix):]
		}
	}
	return s
}

// collapseSpaces replaces runs of whitespace with a single space and trims.
func collapseSpaces(s string) string {
	space := regexp.MustCompile(`\s+`)
	return strings.TrimSpace(space.ReplaceAllString(s, " "))
}

// DurationBucket rounds a duration to the nearest bucket for fuzzy
// matching, so re-encodes of the same content that differ by a second
// or two still collide.
func DurationBucket(durationSec, bucketSizeSec int) int {
	if durationSec <= 0 || bucketSizeSec <= 0 {
		return 0
	}
	return (durationSec / bucketSizeSec) * bucketSizeSec
}

// CalculateIdentityHash generates the content identity hash for an item
// from its channel, cleaned title and duration bucket. Returns a
// 16-character hex string (first 16 chars of SHA256). Items with the
// same hash inside one job are treated as the same content.
func CalculateIdentityHash(channelID, title string, durationSec int) string {
	normalized := fmt.Sprintf("%s|%s|%d",
		NormalizeString(channelID),
		NormalizeString(CleanTitle(title)),
		DurationBucket(durationSec, 5), // 5 second buckets
	)

	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:])[:16]
}

// CalculateIdentityHashFromItem calculates the identity hash from an ItemIdentity struct.
func CalculateIdentityHashFromItem(i ItemIdentity) string {
	return CalculateIdentityHash(i.ChannelID, i.Title, i.DurationSec)
}

// Object keys only ever contain this alphabet; everything else becomes
// a dash.
var unsafeKeyChars = regexp.MustCompile(`[^a-z0-9._-]+`)

const maxKeyComponentLen = 80

// SanitizeKeyComponent converts a free-form title into a segment safe
// for object storage keys and local file names.
func SanitizeKeyComponent(s string) string {
	s = transliterate(s)
	s = strings.ToLower(strings.TrimSpace(s))
	s = unsafeKeyChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-._")

	if len(s) > maxKeyComponentLen {
		s = s[:maxKeyComponentLen]
		s = strings.Trim(s, "-._")
	}
	if s == "" {
		s = "item"
	}
	return s
}

// StorageKey derives the deterministic object key for an item. Keys are
// identity-addressed: the same content always maps to the same key, so a
// re-run overwrites its own artifact and duplicate content across jobs
// lands on one object instead of two.
func StorageKey(channelID, identityHash, title, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("items/%s/%s_%s%s",
		SanitizeKeyComponent(channelID),
		identityHash,
		SanitizeKeyComponent(CleanTitle(title)),
		ext,
	)
}

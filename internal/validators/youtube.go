package validators

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// YouTubeValidator validates YouTube channel references: full channel
// URLs in any of the four path formats, bare @handles and bare channel
// IDs. Everything valid normalizes to an https://www.youtube.com URL.
type YouTubeValidator struct {
	channelIDPattern *regexp.Regexp
	bareIDPattern    *regexp.Regexp
	handlePattern    *regexp.Regexp
	namePattern      *regexp.Regexp
}

// NewYouTubeValidator creates a new YouTube channel reference validator
func NewYouTubeValidator() *YouTubeValidator {
	return &YouTubeValidator{
		channelIDPattern: regexp.MustCompile(`^[a-zA-Z0-9_-]{10,}$`),
		bareIDPattern:    regexp.MustCompile(`^UC[a-zA-Z0-9_-]{8,}$`),
		handlePattern:    regexp.MustCompile(`^@[a-zA-Z0-9._-]{3,30}$`),
		namePattern:      regexp.MustCompile(`^[a-zA-Z0-9._-]{1,100}$`),
	}
}

// SourceType returns the source type for this validator
func (v *YouTubeValidator) SourceType() SourceType {
	return SourceYouTube
}

// CanHandle returns true if the reference looks like a YouTube channel
func (v *YouTubeValidator) CanHandle(ref string) bool {
	ref = strings.TrimSpace(ref)

	if v.handlePattern.MatchString(ref) || v.bareIDPattern.MatchString(ref) {
		return true
	}

	withScheme := ref
	if !strings.Contains(withScheme, "://") {
		withScheme = "https://" + withScheme
	}

	parsed, err := url.Parse(withScheme)
	if err != nil {
		return false
	}

	return normalizeHost(parsed.Host) == "youtube.com"
}

// Validate validates a channel reference and derives its canonical URL
func (v *YouTubeValidator) Validate(ref string) ValidationResult {
	ref = strings.TrimSpace(ref)

	// Bare handle: @somecreator
	if v.handlePattern.MatchString(ref) {
		return v.result(ref, RefHandle, "", ref)
	}

	// Bare channel ID: UCxxxxxxxxxxxxxxxxxxxxxx
	if v.bareIDPattern.MatchString(ref) {
		return v.result(ref, RefChannelID, ref, ref)
	}

	withScheme := ref
	if !strings.Contains(withScheme, "://") {
		withScheme = "https://" + withScheme
	}

	parsed, err := url.Parse(withScheme)
	if err != nil {
		return v.invalid(ref, "invalid URL format")
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return v.invalid(ref, "invalid URL scheme")
	}

	if normalizeHost(parsed.Host) != "youtube.com" {
		return v.invalid(ref, "not a YouTube channel URL")
	}

	segments := splitPath(parsed.Path)
	if len(segments) == 0 {
		return v.invalid(ref, "URL has no channel path")
	}

	switch segments[0] {
	case "channel":
		if len(segments) < 2 {
			return v.invalid(ref, "missing channel ID")
		}
		id := segments[1]
		if !v.channelIDPattern.MatchString(id) {
			return v.invalid(ref, "invalid channel ID format")
		}
		return v.result(ref, RefChannelID, id, id)

	case "c":
		if len(segments) < 2 || !v.namePattern.MatchString(segments[1]) {
			return v.invalid(ref, "invalid custom channel name")
		}
		return v.result(ref, RefCustom, "", segments[1])

	case "user":
		if len(segments) < 2 || !v.namePattern.MatchString(segments[1]) {
			return v.invalid(ref, "invalid user name")
		}
		return v.result(ref, RefUser, "", segments[1])

	default:
		if v.handlePattern.MatchString(segments[0]) {
			return v.result(ref, RefHandle, "", segments[0])
		}
		return v.invalid(ref, "unrecognized channel path format")
	}
}

// result builds a valid ValidationResult with the canonical URL for the
// reference kind.
func (v *YouTubeValidator) result(ref, refType, channelID, slug string) ValidationResult {
	var canonical string
	switch refType {
	case RefChannelID:
		canonical = fmt.Sprintf("https://www.youtube.com/channel/%s", slug)
	case RefCustom:
		canonical = fmt.Sprintf("https://www.youtube.com/c/%s", slug)
	case RefUser:
		canonical = fmt.Sprintf("https://www.youtube.com/user/%s", slug)
	case RefHandle:
		canonical = fmt.Sprintf("https://www.youtube.com/%s", slug)
	}

	return ValidationResult{
		Valid:      true,
		SourceType: SourceYouTube,
		RefType:    refType,
		ChannelID:  channelID,
		URL:        ref,
		Canonical:  canonical,
	}
}

func (v *YouTubeValidator) invalid(ref, reason string) ValidationResult {
	return ValidationResult{
		Valid:      false,
		SourceType: SourceYouTube,
		URL:        ref,
		Error:      reason,
	}
}

// normalizeHost strips the host variants down to youtube.com
func normalizeHost(host string) string {
	host = strings.ToLower(host)
	if i := strings.Index(host, ":"); i != -1 {
		host = host[:i]
	}
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	if host == "youtu.be" {
		return "youtube.com"
	}
	return host
}

// splitPath breaks a URL path into segments, dropping channel tab
// suffixes like /videos or /streams so they never leak into the
// canonical URL.
func splitPath(path string) []string {
	raw := strings.Split(strings.Trim(path, "/"), "/")
	segments := make([]string, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		switch s {
		case "videos", "streams", "shorts", "playlists", "featured", "community", "about":
			return segments
		}
		segments = append(segments, s)
	}
	return segments
}

package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/masshaul/masshaul/internal/validators"
)

const maxSlugLen = 24

// GenerateJobID builds a sortable, human-scannable job identifier:
// job_<UTC timestamp>_<name slug>_<uuid suffix>. The suffix keeps IDs
// unique when two jobs are created in the same second.
func GenerateJobID(name string) string {
	ts := time.Now().UTC().Format("20060102_150405")
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]

	slug := slugify(name)
	if slug == "" {
		return fmt.Sprintf("job_%s_%s", ts, suffix)
	}
	return fmt.Sprintf("job_%s_%s_%s", ts, slug, suffix)
}

// slugify lowercases the name, squeezes anything non-alphanumeric into
// single underscores and truncates the result.
func slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))

	var b strings.Builder
	pendingSep := false
	for _, r := range name {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !alnum {
			pendingSep = b.Len() > 0
			continue
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(r)
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// channelKey derives the stable per-job key for a validated reference.
// ID-based references use the remote ID itself; name-based references
// hash their canonical URL, since the real ID is only known after
// discovery and the key must not change when it arrives.
func channelKey(res validators.ValidationResult) string {
	if res.ChannelID != "" {
		return res.ChannelID
	}
	canonical := res.Canonical
	if canonical == "" {
		canonical = res.URL
	}
	sum := sha256.Sum256([]byte(canonical))
	return "ref_" + hex.EncodeToString(sum[:])[:12]
}

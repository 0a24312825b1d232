package validators

// SourceType identifies the platform a channel reference belongs to
type SourceType string

const (
	SourceYouTube SourceType = "youtube"
	SourceUnknown SourceType = "unknown"
)

// Channel reference kinds
const (
	RefChannelID = "channel_id"
	RefCustom    = "custom"
	RefUser      = "user"
	RefHandle    = "handle"
)

// ValidationResult contains the result of channel reference validation.
// ChannelID is only populated for ID-based references; name-based
// references resolve their real ID during discovery.
type ValidationResult struct {
	Valid      bool       `json:"valid"`
	SourceType SourceType `json:"source_type"`
	RefType    string     `json:"ref_type,omitempty"`
	ChannelID  string     `json:"channel_id,omitempty"`
	URL        string     `json:"url"`
	Canonical  string     `json:"canonical_url,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Validator defines the interface for channel reference validators
type Validator interface {
	// SourceType returns the source type this validator handles
	SourceType() SourceType

	// CanHandle returns true if this validator can handle the given reference
	CanHandle(ref string) bool

	// Validate validates the reference and derives its canonical URL
	Validate(ref string) ValidationResult
}

package validators

import "testing"

func TestYouTubeValidator_CanHandle(t *testing.T) {
	v := NewYouTubeValidator()

	tests := []struct {
		name string
		ref  string
		want bool
	}{
		// Should handle
		{"channel URL", "https://www.youtube.com/channel/UC1234567890abcdef", true},
		{"custom URL", "https://www.youtube.com/c/SomeCreator", true},
		{"user URL", "https://www.youtube.com/user/somecreator", true},
		{"handle URL", "https://www.youtube.com/@somecreator", true},
		{"no scheme", "youtube.com/channel/UC1234567890abcdef", true},
		{"mobile host", "https://m.youtube.com/c/SomeCreator", true},
		{"bare handle", "@somecreator", true},
		{"bare channel ID", "UCdQw4w9WgXcQdQw4w9WgXcQ", true},

		// Should not handle
		{"other site", "https://vimeo.com/somecreator", false},
		{"google", "https://www.google.com", false},
		{"empty string", "", false},
		{"plain word", "somecreator", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.CanHandle(tt.ref); got != tt.want {
				t.Errorf("CanHandle(%q) = %v, want %v", tt.ref, got, tt.want)
			}
		})
	}
}

func TestYouTubeValidator_Validate(t *testing.T) {
	v := NewYouTubeValidator()

	tests := []struct {
		name          string
		ref           string
		wantValid     bool
		wantRefType   string
		wantChannelID string
		wantCanonical string
	}{
		{
			name:          "channel ID URL",
			ref:           "https://www.youtube.com/channel/UCdQw4w9WgXcQabc",
			wantValid:     true,
			wantRefType:   RefChannelID,
			wantChannelID: "UCdQw4w9WgXcQabc",
			wantCanonical: "https://www.youtube.com/channel/UCdQw4w9WgXcQabc",
		},
		{
			name:          "channel URL with videos tab",
			ref:           "https://www.youtube.com/channel/UCdQw4w9WgXcQabc/videos",
			wantValid:     true,
			wantRefType:   RefChannelID,
			wantChannelID: "UCdQw4w9WgXcQabc",
			wantCanonical: "https://www.youtube.com/channel/UCdQw4w9WgXcQabc",
		},
		{
			name:          "custom URL",
			ref:           "https://www.youtube.com/c/SomeCreator",
			wantValid:     true,
			wantRefType:   RefCustom,
			wantCanonical: "https://www.youtube.com/c/SomeCreator",
		},
		{
			name:          "user URL",
			ref:           "https://www.youtube.com/user/somecreator",
			wantValid:     true,
			wantRefType:   RefUser,
			wantCanonical: "https://www.youtube.com/user/somecreator",
		},
		{
			name:          "handle URL",
			ref:           "https://www.youtube.com/@somecreator",
			wantValid:     true,
			wantRefType:   RefHandle,
			wantCanonical: "https://www.youtube.com/@somecreator",
		},
		{
			name:          "handle URL with tab",
			ref:           "https://www.youtube.com/@somecreator/streams",
			wantValid:     true,
			wantRefType:   RefHandle,
			wantCanonical: "https://www.youtube.com/@somecreator",
		},
		{
			name:          "mobile host normalizes",
			ref:           "https://m.youtube.com/c/SomeCreator",
			wantValid:     true,
			wantRefType:   RefCustom,
			wantCanonical: "https://www.youtube.com/c/SomeCreator",
		},
		{
			name:          "scheme added when missing",
			ref:           "youtube.com/user/somecreator",
			wantValid:     true,
			wantRefType:   RefUser,
			wantCanonical: "https://www.youtube.com/user/somecreator",
		},
		{
			name:          "bare handle",
			ref:           "@somecreator",
			wantValid:     true,
			wantRefType:   RefHandle,
			wantCanonical: "https://www.youtube.com/@somecreator",
		},
		{
			name:          "bare channel ID",
			ref:           "UCdQw4w9WgXcQdQw4w9WgXcQ",
			wantValid:     true,
			wantRefType:   RefChannelID,
			wantChannelID: "UCdQw4w9WgXcQdQw4w9WgXcQ",
			wantCanonical: "https://www.youtube.com/channel/UCdQw4w9WgXcQdQw4w9WgXcQ",
		},

		// Invalid references
		{
			name:      "channel ID too short",
			ref:       "https://www.youtube.com/channel/UC123",
			wantValid: false,
		},
		{
			name:      "missing channel ID",
			ref:       "https://www.youtube.com/channel/",
			wantValid: false,
		},
		{
			name:      "homepage",
			ref:       "https://www.youtube.com/",
			wantValid: false,
		},
		{
			name:      "watch URL is not a channel",
			ref:       "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
			wantValid: false,
		},
		{
			name:      "invalid scheme",
			ref:       "ftp://www.youtube.com/channel/UCdQw4w9WgXcQabc",
			wantValid: false,
		},
		{
			name:      "wrong host",
			ref:       "https://vimeo.com/channel/UCdQw4w9WgXcQabc",
			wantValid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(tt.ref)

			if result.Valid != tt.wantValid {
				t.Errorf("Validate(%q).Valid = %v, want %v (error: %s)", tt.ref, result.Valid, tt.wantValid, result.Error)
			}

			if tt.wantValid {
				if result.RefType != tt.wantRefType {
					t.Errorf("Validate(%q).RefType = %q, want %q", tt.ref, result.RefType, tt.wantRefType)
				}
				if result.ChannelID != tt.wantChannelID {
					t.Errorf("Validate(%q).ChannelID = %q, want %q", tt.ref, result.ChannelID, tt.wantChannelID)
				}
				if result.Canonical != tt.wantCanonical {
					t.Errorf("Validate(%q).Canonical = %q, want %q", tt.ref, result.Canonical, tt.wantCanonical)
				}
				if result.SourceType != SourceYouTube {
					t.Errorf("Validate(%q).SourceType = %q, want %q", tt.ref, result.SourceType, SourceYouTube)
				}
			}
		})
	}
}

func TestYouTubeValidator_SourceType(t *testing.T) {
	v := NewYouTubeValidator()
	if v.SourceType() != SourceYouTube {
		t.Errorf("SourceType() = %q, want %q", v.SourceType(), SourceYouTube)
	}
}

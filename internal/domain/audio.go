package domain

import "github.com/scribehq/notegen/pkg/mimex"

// allowedAudioTypes are the base media types accepted for audio submissions.
// Declared content types are matched on the base type only, so parameterized
// forms like "audio/webm;codecs=opus" are accepted.
var allowedAudioTypes = []string{
	"audio/mpeg",
	"audio/mp3",
	"audio/wav",
	"audio/wave",
	"audio/x-wav",
	"audio/webm",
	"audio/mp4",
	"audio/m4a",
	"audio/ogg",
	"audio/flac",
}

// AudioTypeAllowed reports whether the declared content type's base media
// type is on the allow list.
func AudioTypeAllowed(contentType string) bool {
	base := mimex.BaseType(contentType)
	if base == "" {
		return false
	}
	for _, allowed := range allowedAudioTypes {
		if base == allowed {
			return true
		}
	}
	return false
}

// AllowedAudioTypes returns a copy of the allow list for error messages.
func AllowedAudioTypes() []string {
	out := make([]string, len(allowedAudioTypes))
	copy(out, allowedAudioTypes)
	return out
}

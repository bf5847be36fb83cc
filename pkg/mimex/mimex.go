// Package mimex provides small MIME utilities used across the project.
package mimex

import "strings"

// BaseType extracts the lowercased base media type from a MIME string,
// dropping any parameters. "Audio/WebM; codecs=opus" yields "audio/webm".
// It returns "" for empty or whitespace-only input.
func BaseType(mime string) string {
	s := strings.TrimSpace(mime)
	if s == "" {
		return ""
	}
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// Match reports whether the MIME string's base type equals the given base
// type, case-insensitively and ignoring parameters on either side.
func Match(mime, base string) bool {
	b := BaseType(mime)
	return b != "" && b == BaseType(base)
}

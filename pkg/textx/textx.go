// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// SafeLog sanitizes a user-supplied string for log emission: control
// characters are stripped (including tab/newline, which break single-line
// JSON logs) and the result is truncated to max runes.
func SafeLog(s string, max int) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if max > 0 {
		runes := []rune(out)
		if len(runes) > max {
			out = string(runes[:max]) + "..."
		}
	}
	return out
}

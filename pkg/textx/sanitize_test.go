package textx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeText(t *testing.T) {
	assert.Equal(t, "hello world", SanitizeText("  hello world \x00"))
	assert.Equal(t, "a\nb", SanitizeText("a\nb"))
	assert.Equal(t, "tab\tkept", SanitizeText("tab\tkept\x1b"))
	assert.Equal(t, "", SanitizeText("\x00\x01\x02"))
}

func TestSafeLog(t *testing.T) {
	assert.Equal(t, "patient notes", SafeLog("patient\nnotes\x00", 100))
	assert.Equal(t, "abc...", SafeLog("abcdef", 3))
	assert.Equal(t, "", SafeLog("\x07\x08", 10))
	long := strings.Repeat("x", 500)
	assert.Len(t, SafeLog(long, 64), 67)
}

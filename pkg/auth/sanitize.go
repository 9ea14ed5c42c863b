package auth

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxUserAgentLength bounds the User-Agent kept on a fingerprint binding.
const MaxUserAgentLength = 512

// SanitizeHeaderValue trims s, drops control characters and cuts it to max bytes
// on a rune boundary. Used for client-supplied values that end up in storage or logs.
func SanitizeHeaderValue(s string, max int) string {
	s = strings.TrimSpace(removeControlChars(s))
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// removeControlChars removes every control character, including newlines.
func removeControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

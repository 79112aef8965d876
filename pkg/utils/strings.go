package utils

import (
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	urlRe   = regexp.MustCompile(`https?://[^\s]+`)
)

// SanitizePreview redacts emails and URLs from user content and truncates it
// so raw submissions never leak into logs verbatim.
func SanitizePreview(s string, maxLen int) string {
	out := emailRe.ReplaceAllString(s, "[email]")
	out = urlRe.ReplaceAllString(out, "[url]")
	out = strings.ReplaceAll(out, "\n", " ")
	return Truncate(out, maxLen)
}

// Truncate shortens s to at most maxLen runes, appending an ellipsis marker
// when anything was cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// IsNumeric reports whether s consists solely of ASCII digits (a bare
// integer answer).
func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

package utils

import (
	"strings"
	"unicode/utf8"
)

// Truncate shortens s to at most max runes, appending "..." when it cuts.
// Used for log previews, not for user-visible output.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// SanitizeFilename strips path separators and control characters so a
// remote-supplied name is safe to use on the local filesystem.
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':':
			sb.WriteRune('_')
		case r < 0x20 || r == 0x7f:
			// drop control characters
		default:
			sb.WriteRune(r)
		}
	}
	cleaned := strings.Trim(sb.String(), ". ")
	if len(cleaned) > 200 {
		cleaned = cleaned[:200]
	}
	return cleaned
}

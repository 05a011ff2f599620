package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from remote command
// output and other untrusted strings before they are written to logs or task
// records, preventing fake log entries injected via embedded newlines.
func SanitizeForLog(s string) string {
	// Replace all newlines with spaces
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	// Replace tabs with spaces
	s = strings.ReplaceAll(s, "\t", " ")
	// Remove other control characters (ASCII 0-31 except space)
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 || r == ' ' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Truncate shortens s to at most max bytes, appending an ellipsis marker when
// anything was cut. Remote commands can produce megabytes of output; task log
// messages and audit rows keep only the head.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "… (truncated)"
}

package logutil

import "strings"

// SanitizeForLog strips newlines and control characters from caller-supplied
// strings before they reach the log. Identities and reconnect reasons arrive
// from outside the process; without this an attacker could forge log entries
// by embedding newlines.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

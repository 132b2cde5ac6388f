// Package logutil cleans peer-supplied values before they reach the log.
package logutil

import (
	"strings"
	"unicode"
)

// maxLogValue caps how much of one value is logged.
const maxLogValue = 128

// Sanitize replaces control characters (newlines included) with spaces so a
// remote cannot forge log lines through a name or session id, and truncates
// long values.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	if r := []rune(s); len(r) > maxLogValue {
		return string(r[:maxLogValue]) + "..."
	}
	return s
}

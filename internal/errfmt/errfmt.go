// Package errfmt provides shared error formatting for engine messages.
package errfmt

import (
	"strings"
	"unicode/utf8"
)

// MaxLen caps error content to prevent unbounded propagation.
const MaxLen = 4096

// TruncateTo caps s at limit bytes, backtracking to a valid UTF-8 boundary.
func TruncateTo(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	end := limit
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}

// Truncate caps a string at MaxLen bytes with UTF-8-safe truncation.
func Truncate(s string) string {
	return TruncateTo(s, MaxLen)
}

// Sanitize replaces invalid UTF-8 sequences with U+FFFD and strips a
// trailing carriage return left by CRLF line endings.
func Sanitize(line string) string {
	line = strings.TrimSuffix(line, "\r")
	if utf8.ValidString(line) {
		return line
	}
	return strings.ToValidUTF8(line, "�")
}

package models

import (
	"strings"
	"unicode/utf8"
)

// CleanText makes s storable in a text column: invalid UTF-8 becomes U+FFFD,
// NUL bytes are dropped and, when n > 0, the result is cut to at most n
// bytes without splitting a character.
func CleanText(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", "")
	return CutText(s, n)
}

// CutText cuts s to at most n bytes on a character boundary. An n of zero
// or less leaves s untouched.
func CutText(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

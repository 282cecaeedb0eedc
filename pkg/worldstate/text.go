package worldstate

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CleanText NFC-normalizes s, trims surrounding whitespace, and caps it at
// max runes. Every string written into the snapshot passes through here so
// persisted text is stable under re-encoding.
func CleanText(s string, max int) string {
	s = strings.TrimSpace(norm.NFC.String(s))
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) > max {
		s = strings.TrimSpace(string(runes[:max]))
	}
	return s
}

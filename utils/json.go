package utils

import (
	"strings"
	"unicode/utf8"
)

// Preview returns at most max bytes of data as a string, cut on a rune boundary.
// Invalid UTF-8 is replaced with U+FFFD so the result is safe for text columns.
func Preview(data []byte, max int) string {
	if len(data) <= max {
		return strings.ToValidUTF8(string(data), "\uFFFD")
	}
	// A rune is at most UTFMax bytes, so its start is never further back than that.
	cut := max
	for cut > 0 && cut > max-(utf8.UTFMax-1) && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return strings.ToValidUTF8(string(data[:cut]), "\uFFFD") + "..."
}

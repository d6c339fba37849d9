package resolve

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// DefaultSentinel is the serial reported by a unit that was never programmed.
const DefaultSentinel = "0000000000000000"

// NormalizeSerial canonicalizes scanner or firmware output.
//
// Full-width and half-width forms are folded to their canonical widths, the
// result is NFC-normalized, and surrounding whitespace and NUL padding from
// fixed-size firmware fields are trimmed.
func NormalizeSerial(raw string) string {
	s := width.Fold.String(raw)
	s = norm.NFC.String(s)
	return strings.TrimFunc(s, func(r rune) bool {
		return r == 0 || unicode.IsSpace(r)
	})
}

// IsSentinel reports whether serial means "not yet programmed": it is blank
// after normalization or equal to sentinel. An empty sentinel selects
// DefaultSentinel.
func IsSentinel(serial, sentinel string) bool {
	if sentinel == "" {
		sentinel = DefaultSentinel
	}
	s := NormalizeSerial(serial)
	return s == "" || s == NormalizeSerial(sentinel)
}

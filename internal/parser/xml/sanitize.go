// Package xml holds the XML helpers shared by the chunker and the two
// conversion passes: line sanitizing, column keys built from tag paths, and a
// forward-only element walker.
package xml

import (
	"strings"
	"unicode/utf8"
)

// SanitizeLine makes one raw source line safe to embed in a chunk document.
//
// It drops every rune outside the XML 1.0 Char production
// (#x9 | #xA | #xD | #x20-#xD7FF | #xE000-#xFFFD) together with bytes that
// are not valid UTF-8, then escapes each '&' that does not already start an
// entity or character reference (&name; or &#...;) as "&amp;".
//
// Line terminators are kept, and the function is idempotent.
func SanitizeLine(line string) string {
	if isClean(line) {
		return line
	}

	var b strings.Builder
	b.Grow(len(line) + 8)
	for i := 0; i < len(line); {
		r, size := utf8.DecodeRuneInString(line[i:])
		switch {
		case r == utf8.RuneError && size <= 1:
			// invalid byte
		case !isXMLChar(r):
		case r == '&' && !startsReference(line[i+1:]):
			b.WriteString("&amp;")
		default:
			b.WriteString(line[i : i+size])
		}
		i += size
	}
	return b.String()
}

// isClean reports whether line needs no rewriting at all.
func isClean(line string) bool {
	for i := 0; i < len(line); {
		c := line[i]
		if c < utf8.RuneSelf {
			if c == '&' && !startsReference(line[i+1:]) {
				return false
			}
			if c < 0x20 && c != '\t' && c != '\n' && c != '\r' {
				return false
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(line[i:])
		if (r == utf8.RuneError && size <= 1) || !isXMLChar(r) {
			return false
		}
		i += size
	}
	return true
}

func isXMLChar(r rune) bool {
	switch {
	case r == 0x9 || r == 0xA || r == 0xD:
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	default:
		return false
	}
}

// startsReference reports whether s (the text after an '&') begins with one
// or more of [A-Za-z0-9#] followed by ';'.
func startsReference(s string) bool {
	n := 0
	for n < len(s) {
		c := s[n]
		if c == ';' {
			return n > 0
		}
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '#') {
			return false
		}
		n++
	}
	return false
}

// Package sanitize turns raw chat input into display-safe text. It has no
// I/O and no state; Sanitize is a fixed point of itself, so applying it a
// second time never changes the output.
package sanitize

import "strings"

// Sanitize normalizes text for display: strip C0 control characters and
// DEL, escape &, < and > to entity form, collapse whitespace runs to
// single spaces, and trim the ends.
func Sanitize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r < 0x20 || r == 0x7F {
			continue
		}
		b.WriteRune(r)
	}

	s := escape(b.String())
	return strings.Join(strings.Fields(s), " ")
}

// escape converts &, < and > to entities. An ampersand that already starts
// one of the entities this function emits is left alone; without that,
// every pass over the text would stack another &amp; onto it.
func escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			if startsEntity(s[i:]) {
				b.WriteByte('&')
			} else {
				b.WriteString("&amp;")
			}
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func startsEntity(s string) bool {
	return strings.HasPrefix(s, "&amp;") ||
		strings.HasPrefix(s, "&lt;") ||
		strings.HasPrefix(s, "&gt;")
}

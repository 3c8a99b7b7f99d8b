// Package urlenc implements the strict percent-encoding used in SAS tokens
// and MQTT topic properties.
//
// Only RFC 3986 unreserved characters (ALPHA / DIGIT / "-" / "." / "_" / "~")
// pass through unchanged. In particular "/" is encoded and " " becomes "%20",
// never "+", which the service would not decode.
package urlenc

import (
	"net/url"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// Quote percent-encodes every byte of s that is not unreserved.
func Quote(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !unreserved(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

// Unquote decodes percent-escapes. A "+" is left as is.
func Unquote(s string) (string, error) {
	return url.PathUnescape(s)
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

// Package keys builds the Redis keys used by the shared prefetch ledger.
package keys

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const maxHostLen = 64

// Ledger returns the ledger key for a tile URL. The URL is normalised
// first so equivalent spellings share one entry; the host is kept readable
// for SCAN/debugging and the full URL is folded into an xxhash digest.
func Ledger(prefix, rawURL string) string {
	norm := NormalizeURL(rawURL)
	host := ""
	if u, err := url.Parse(norm); err == nil {
		host = u.Host
	}
	host = sanitizeForKey(host)
	if len(host) > maxHostLen {
		host = host[:maxHostLen]
	}
	return fmt.Sprintf("%s:url:%s:%016x", Prefix(prefix), host, xxhash.Sum64String(norm))
}

// Pattern matches every ledger key under prefix.
func Pattern(prefix string) string {
	return Prefix(prefix) + ":url:*"
}

func Prefix(prefix string) string {
	p := sanitizeForKey(strings.TrimSpace(prefix))
	if p == "" {
		return "prefetch"
	}
	return p
}

// NormalizeURL lower-cases scheme and host and drops the fragment.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}

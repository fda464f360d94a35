// Package keys builds stable cache keys for tokens and per-collection entries.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const prefix = "geodb"

// Token returns the key of the cached token for one identity provider and client id.
// The readable part is truncated; the hash keeps keys distinct.
func Token(authDomain, clientID string) string {
	domain := strings.ToLower(strings.TrimRight(strings.TrimSpace(authDomain), "/"))
	client := strings.TrimSpace(clientID)
	sum := xxhash.Sum64String(domain + "|" + client)

	safe := sanitizeForKey(client)
	const maxClientLen = 48
	if len(safe) > maxClientLen {
		safe = safe[:maxClientLen]
	}
	return fmt.Sprintf("%s:token:%s:h=%016x", prefix, safe, sum)
}

// Collection returns a key scoped to the qualified collection name (database_collection)
// on one gateway.
func Collection(serverBase, qualified string) string {
	base := strings.ToLower(strings.TrimRight(strings.TrimSpace(serverBase), "/"))
	name := strings.TrimSpace(qualified)
	sum := xxhash.Sum64String(base + "|" + name)
	return fmt.Sprintf("%s:collection:%s:h=%016x", prefix, sanitizeForKey(name), sum)
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
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
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}

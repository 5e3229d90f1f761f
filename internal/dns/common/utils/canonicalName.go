package utils

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// CanonicalDNSName returns a DNS name in canonical form:
// - Lowercased (ASCII only, locale independent)
// - Trimmed of surrounding whitespace
// - No trailing dot
func CanonicalDNSName(name string) string {
	name = strings.TrimSpace(name)
	name = ASCIILower(name)
	for strings.HasSuffix(name, ".") {
		name = strings.TrimSuffix(name, ".")
	}
	return name
}

// ASCIIHostname converts a possibly internationalized hostname into the
// canonical ASCII (punycode) form that appears in DNS queries on the wire.
func ASCIIHostname(name string) (string, error) {
	canon := CanonicalDNSName(name)
	if canon == "" {
		return "", fmt.Errorf("empty hostname")
	}
	ascii, err := idna.Lookup.ToASCII(canon)
	if err != nil {
		return "", fmt.Errorf("invalid hostname %q: %w", name, err)
	}
	return CanonicalDNSName(ascii), nil
}

// ASCIILower lowercases A-Z only; other bytes pass through untouched.
func ASCIILower(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}

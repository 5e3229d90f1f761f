package parsers

import (
	"strings"

	"github.com/haukened/tunblock/internal/dns/common/utils"
)

// addressPrefixes are the sink addresses accepted in front of a hostname.
var addressPrefixes = []string{"127.0.0.1", "0.0.0.0", "::1"}

// ParseLine extracts the hostname from one line of a hosts-style rule list.
//
// Everything from '#' on is a comment and trailing whitespace is dropped. A
// leading 127.0.0.1, 0.0.0.0 or ::1 must be followed by whitespace and is
// stripped together with it. The rest must not contain whitespace. The
// hostname is returned lowercased (ASCII only); ok is false when the line
// carries no usable host.
func ParseLine(line string) (host string, ok bool) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimRightFunc(line, isSpace)
	if line == "" {
		return "", false
	}

	for _, prefix := range addressPrefixes {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		rest := line[len(prefix):]
		if rest == "" {
			// a bare sink address with nothing after it
			return "", false
		}
		if !isSpace(rune(rest[0])) {
			break
		}
		line = strings.TrimLeftFunc(rest, isSpace)
		break
	}

	if strings.IndexFunc(line, isSpace) >= 0 {
		return "", false
	}
	return utils.ASCIILower(line), true
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

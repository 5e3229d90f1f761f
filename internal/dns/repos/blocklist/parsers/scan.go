package parsers

import (
	"bufio"
	"io"
	"strings"

	logpkg "github.com/haukened/tunblock/internal/dns/common/log"
)

// maxLineSize bounds a single rule-list line; longer lines fail the scan.
const maxLineSize = 1 << 20

// ScanHosts reads a rule list line by line and calls emit for every parsed
// hostname. It stops at the first error returned by emit and returns it,
// which lets callers cancel a scan between lines.
func ScanHosts(r io.Reader, source string, logger logpkg.Logger, emit func(host string) error) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	logger.Debug(map[string]any{"source": source}, "scan_hosts_start")

	count, lineNum := 0, 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if lineNum == 1 {
			line = strings.TrimPrefix(line, "\uFEFF")
		}

		host, ok := ParseLine(line)
		if !ok {
			continue
		}
		if err := emit(host); err != nil {
			return count, err
		}
		count++
	}

	if err := scanner.Err(); err != nil {
		logger.Debug(map[string]any{"source": source, "line": lineNum, "error": err}, "scan_hosts_error")
		return count, err
	}
	logger.Debug(map[string]any{"source": source, "count": count}, "scan_hosts_done")
	return count, nil
}

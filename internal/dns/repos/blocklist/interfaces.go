package blocklist

import (
	"io"

	"github.com/haukened/tunblock/internal/dns/domain"
)

// BloomFilter is the minimal interface a snapshot needs from its prefilter.
type BloomFilter interface {
	Add(host string)
	MightContain(host string) bool
}

// BloomFactory builds a filter sized for capacity hosts at the target
// false-positive rate.
type BloomFactory interface {
	New(capacity uint64, fpRate float64) BloomFilter
}

// ContentResolver opens the text backing a non-literal rule-list entry.
type ContentResolver interface {
	Open(entry domain.RuleListEntry) (io.ReadCloser, error)
}

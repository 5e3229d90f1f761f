package bloom

import bitsbloom "github.com/bits-and-blooms/bloom/v3"

// filter adapts a bits-and-blooms filter to blocklist.BloomFilter.
// It is filled by a single builder and only read once the owning snapshot
// is published, so it carries no lock.
type filter struct {
	bf *bitsbloom.BloomFilter
}

func (f *filter) Add(host string) {
	f.bf.AddString(host)
}

func (f *filter) MightContain(host string) bool {
	return f.bf.TestString(host)
}

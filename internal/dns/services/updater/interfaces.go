package updater

import (
	"context"
	"time"

	"github.com/haukened/tunblock/internal/dns/domain"
	"github.com/haukened/tunblock/internal/dns/gateways/fetch"
	"github.com/haukened/tunblock/internal/dns/repos/blocklist"
)

// Fetcher performs the conditional download of one rule list.
type Fetcher interface {
	Get(ctx context.Context, url string, ifModifiedSince time.Time) (*fetch.Result, error)
}

// Database is the rule database rebuilt after every batch.
type Database interface {
	Rebuild(ctx context.Context, entries []domain.RuleListEntry, resolver blocklist.ContentResolver) error
	Stats() blocklist.Stats
}

// Grants tracks the persisted permissions held for content URIs.
type Grants interface {
	Take(location string) error
	ReleaseUnreferenced(refs map[string]int) ([]string, error)
}

// ErrorSink receives the per-entry failures of the latest batch. An empty
// slice means the batch succeeded and clears earlier errors.
type ErrorSink interface {
	ReportUpdateErrors(errs []string)
}

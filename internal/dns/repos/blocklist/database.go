package blocklist

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/haukened/tunblock/internal/dns/common/clock"
	"github.com/haukened/tunblock/internal/dns/common/log"
	"github.com/haukened/tunblock/internal/dns/common/utils"
	"github.com/haukened/tunblock/internal/dns/domain"
	"github.com/haukened/tunblock/internal/dns/repos/blocklist/parsers"
)

// ErrRebuildCancelled is wrapped by Rebuild when its context ends first.
var ErrRebuildCancelled = errors.New("rule database rebuild cancelled")

// DefaultFPRate is the prefilter false-positive target used when Options leaves it unset.
const DefaultFPRate = 0.01

// Stats describes the published snapshot.
type Stats struct {
	Hosts      int       `json:"hosts"`
	Generation uint64    `json:"generation"`
	BuiltAt    time.Time `json:"built_at"`
}

// Options configures a Database. Every field is optional.
type Options struct {
	Bloom  BloomFactory
	FPRate float64
	Clock  clock.Clock
	Logger log.Logger
}

// snapshot is immutable once published.
type snapshot struct {
	hosts      map[string]struct{}
	bloom      BloomFilter
	generation uint64
	builtAt    time.Time
}

// Database is the in-memory blocklist. Lookups read the current snapshot
// through an atomic pointer and never wait on a rebuild.
type Database struct {
	current atomic.Pointer[snapshot]
	bloom   BloomFactory
	fpRate  float64
	clock   clock.Clock
	logger  log.Logger
}

// New returns an empty Database.
func New(opts Options) *Database {
	if opts.FPRate <= 0 || opts.FPRate >= 1 {
		opts.FPRate = DefaultFPRate
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	d := &Database{
		bloom:  opts.Bloom,
		fpRate: opts.FPRate,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
	d.current.Store(&snapshot{hosts: map[string]struct{}{}})
	return d
}

// IsBlocked reports whether host is in the published blocklist.
func (d *Database) IsBlocked(host string) bool {
	s := d.current.Load()
	name := utils.CanonicalDNSName(host)
	if name == "" {
		return false
	}
	if s.bloom != nil && !s.bloom.MightContain(name) {
		return false
	}
	_, ok := s.hosts[name]
	return ok
}

// Stats returns the size and generation of the published snapshot.
func (d *Database) Stats() Stats {
	s := d.current.Load()
	return Stats{Hosts: len(s.hosts), Generation: s.generation, BuiltAt: s.builtAt}
}

// Rebuild folds entries in order into a new host set and publishes it. Deny
// entries add their hosts, Allow entries remove them and Ignore entries are
// skipped. Sources that cannot be opened are logged and skipped. Callers must
// not run two rebuilds at once.
//
// ctx is checked before every line; when it ends the previous snapshot stays
// published and the returned error wraps ErrRebuildCancelled.
func (d *Database) Rebuild(ctx context.Context, entries []domain.RuleListEntry, resolver ContentResolver) error {
	prev := d.current.Load()
	pending := make(map[string]struct{}, len(prev.hosts))

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrRebuildCancelled, err)
		}
		if entry.Policy == domain.PolicyIgnore {
			continue
		}
		apply := applyFunc(pending, entry.Policy)

		if entry.Kind() == domain.SourceHost {
			if host, ok := parsers.ParseLine(entry.Location); ok {
				apply(host)
			}
			continue
		}

		if err := d.applySource(ctx, entry, resolver, apply); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrRebuildCancelled, ctx.Err())
			}
			d.logger.Warn(map[string]any{
				"title":    entry.Title,
				"location": entry.Location,
				"error":    err,
			}, "rule source skipped")
		}
	}

	next := &snapshot{
		hosts:      pending,
		generation: prev.generation + 1,
		builtAt:    d.clock.Now(),
	}
	if d.bloom != nil {
		next.bloom = d.bloom.New(uint64(len(pending)), d.fpRate)
		for host := range pending {
			next.bloom.Add(host)
		}
	}
	d.current.Store(next)

	d.logger.Info(map[string]any{
		"hosts":      len(pending),
		"generation": next.generation,
	}, "rule database published")
	return nil
}

func (d *Database) applySource(ctx context.Context, entry domain.RuleListEntry, resolver ContentResolver, apply func(string)) error {
	if resolver == nil {
		return errors.New("no content resolver")
	}
	rc, err := resolver.Open(entry)
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = parsers.ScanHosts(rc, entry.Title, d.logger, func(host string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		apply(host)
		return nil
	})
	return err
}

func applyFunc(pending map[string]struct{}, policy domain.Policy) func(string) {
	if policy == domain.PolicyAllow {
		return func(host string) { delete(pending, utils.CanonicalDNSName(host)) }
	}
	return func(host string) {
		if name := utils.CanonicalDNSName(host); name != "" {
			pending[name] = struct{}{}
		}
	}
}

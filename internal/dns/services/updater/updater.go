// Package updater refreshes rule-list sources and rebuilds the rule database
// from the refreshed cache.
package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haukened/tunblock/internal/dns/common/clock"
	"github.com/haukened/tunblock/internal/dns/common/log"
	"github.com/haukened/tunblock/internal/dns/common/metrics"
	"github.com/haukened/tunblock/internal/dns/domain"
	"github.com/haukened/tunblock/internal/dns/repos/rulecache"
)

const (
	DefaultBatchTimeout     = time.Hour
	DefaultProgressInterval = time.Minute
)

// ErrBatchRunning is returned by Trigger while a batch is in progress.
var ErrBatchRunning = errors.New("rule list update already running")

// Options configures an Updater. Entries, Fetcher, Cache and Database are required.
type Options struct {
	Entries  []domain.RuleListEntry
	Fetcher  Fetcher
	Cache    *rulecache.Cache
	Database Database
	Grants   Grants
	Errors   ErrorSink
	Clock    clock.Clock
	Logger   log.Logger

	BatchTimeout     time.Duration
	ProgressInterval time.Duration
}

// Updater downloads rule lists and rebuilds the database.
type Updater struct {
	entries  []domain.RuleListEntry
	fetcher  Fetcher
	cache    *rulecache.Cache
	db       Database
	grants   Grants
	sink     ErrorSink
	clock    clock.Clock
	logger   log.Logger
	timeout  time.Duration
	progress time.Duration

	runMu     sync.Mutex
	rebuildMu sync.Mutex
	running   atomic.Bool
	triggered sync.WaitGroup
}

// New validates opts and returns an Updater.
func New(opts Options) (*Updater, error) {
	if opts.Fetcher == nil || opts.Cache == nil || opts.Database == nil {
		return nil, errors.New("updater requires a fetcher, a cache and a database")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	// work files of a timed-out batch may still be written to
	if opts.Cache.WorkGrace < opts.BatchTimeout {
		opts.Cache.WorkGrace = opts.BatchTimeout
	}
	return &Updater{
		entries:  append([]domain.RuleListEntry(nil), opts.Entries...),
		fetcher:  opts.Fetcher,
		cache:    opts.Cache,
		db:       opts.Database,
		grants:   opts.Grants,
		sink:     opts.Errors,
		clock:    opts.Clock,
		logger:   log.With(opts.Logger, map[string]any{"component": "updater"}),
		timeout:  opts.BatchTimeout,
		progress: opts.ProgressInterval,
	}, nil
}

// Rebuild recompiles the rule database from what is currently cached.
func (u *Updater) Rebuild(ctx context.Context) error {
	u.rebuildMu.Lock()
	defer u.rebuildMu.Unlock()

	if err := u.db.Rebuild(ctx, u.entries, u.cache); err != nil {
		return fmt.Errorf("rebuild rule database: %w", err)
	}
	metrics.RuleHosts.Set(float64(u.db.Stats().Hosts))
	return nil
}

// Run refreshes every fetchable entry concurrently, waits for the batch,
// cleans up unreferenced grants and cache files and rebuilds the database.
// It returns the per-entry error messages of the batch; the error result is
// reserved for the rebuild.
func (u *Updater) Run(ctx context.Context) ([]string, error) {
	u.runMu.Lock()
	defer u.runMu.Unlock()

	b := newBatch()
	var wg sync.WaitGroup
	seen := make(map[string]struct{}, len(u.entries))
	for _, entry := range u.entries {
		if !entry.IsFetchable() {
			continue
		}
		// one refresh per location; later duplicates share its cache file
		if _, ok := seen[entry.Location]; ok {
			continue
		}
		seen[entry.Location] = struct{}{}
		b.start(entry.Title)
		wg.Add(1)
		go func(e domain.RuleListEntry) {
			defer wg.Done()
			b.finish(e.Title, u.refresh(ctx, e))
		}(entry)
	}
	u.wait(&wg, b)

	u.collectGarbage()
	rebuildErr := u.Rebuild(ctx)

	errs := b.errors()
	metrics.RuleUpdateErrors.Add(float64(len(errs)))
	if u.sink != nil {
		u.sink.ReportUpdateErrors(errs)
	}
	u.logger.Info(map[string]any{"errors": len(errs)}, "rule list update finished")
	return errs, rebuildErr
}

// Trigger starts a batch in the background unless one is already running.
func (u *Updater) Trigger(ctx context.Context) error {
	if !u.running.CompareAndSwap(false, true) {
		return ErrBatchRunning
	}
	u.triggered.Add(1)
	go func() {
		defer u.triggered.Done()
		defer u.running.Store(false)
		if _, err := u.Run(ctx); err != nil {
			u.logger.Error(map[string]any{"error": err}, "triggered rule list update failed")
		}
	}()
	return nil
}

// Wait blocks until every batch started by Trigger has finished.
func (u *Updater) Wait() {
	u.triggered.Wait()
}

// Schedule runs a batch every interval until ctx ends. A zero interval
// disables periodic updates.
func (u *Updater) Schedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.Trigger(ctx); err != nil {
				u.logger.Debug(map[string]any{"error": err}, "scheduled update skipped")
			}
		}
	}
}

func (u *Updater) wait(wg *sync.WaitGroup, b *batch) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	deadline := time.NewTimer(u.timeout)
	defer deadline.Stop()
	progress := time.NewTicker(u.progress)
	defer progress.Stop()

	for {
		select {
		case <-done:
			return
		case <-progress.C:
			u.logger.Info(map[string]any{"pending": b.pendingTitles()}, "rule list update still running")
		case <-deadline.C:
			pending := b.pendingTitles()
			u.logger.Warn(map[string]any{"pending": pending, "timeout": u.timeout.String()}, "rule list update timed out")
			for _, title := range pending {
				b.fail(fmt.Sprintf("%s: timed out", title))
			}
			return
		}
	}
}

func (u *Updater) refresh(ctx context.Context, e domain.RuleListEntry) error {
	switch e.Kind() {
	case domain.SourceHTTP:
		return u.download(ctx, e)
	case domain.SourceContent:
		return u.checkContent(e)
	default:
		return fmt.Errorf("cannot refresh %s", e.Location)
	}
}

func (u *Updater) download(ctx context.Context, e domain.RuleListEntry) error {
	since, _ := u.cache.ModTime(e.Location)
	res, err := u.fetcher.Get(ctx, e.Location, since)
	if err != nil {
		return err
	}
	if res.NotModified {
		u.logger.Debug(map[string]any{"title": e.Title}, "rule list not modified")
		return nil
	}
	defer res.Body.Close()

	w, err := u.cache.Create(e.Location)
	if err != nil {
		return err
	}
	n, err := io.Copy(w, res.Body)
	if err != nil {
		w.Abort()
		return err
	}
	mod := res.LastModified
	if mod.IsZero() {
		mod = u.clock.Now()
	}
	if err := w.Commit(mod); err != nil {
		return err
	}
	u.logger.Info(map[string]any{"title": e.Title, "bytes": n}, "rule list downloaded")
	return nil
}

func (u *Updater) checkContent(e domain.RuleListEntry) error {
	path, ok := e.ContentPath()
	if !ok {
		return fmt.Errorf("invalid content location %s", e.Location)
	}
	if u.grants != nil {
		if err := u.grants.Take(e.Location); err != nil {
			return fmt.Errorf("take grant: %w", err)
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

// collectGarbage drops grants and cache files whose location no configured
// entry references any more.
func (u *Updater) collectGarbage() {
	refs := make(map[string]int, len(u.entries))
	var cached []string
	for _, e := range u.entries {
		refs[e.Location]++
		if e.Kind() == domain.SourceHTTP {
			cached = append(cached, e.Location)
		}
	}

	if u.grants != nil {
		released, err := u.grants.ReleaseUnreferenced(refs)
		if err != nil {
			u.logger.Warn(map[string]any{"error": err}, "releasing grants failed")
		}
		for _, loc := range released {
			u.logger.Info(map[string]any{"location": loc}, "grant released")
		}
	}
	if n, err := u.cache.Prune(cached); err != nil {
		u.logger.Warn(map[string]any{"error": err}, "pruning rule cache failed")
	} else if n > 0 {
		u.logger.Info(map[string]any{"removed": n}, "rule cache pruned")
	}
}

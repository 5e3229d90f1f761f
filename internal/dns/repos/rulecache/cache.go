// Package rulecache stores downloaded rule lists on disk. Each list lives in
// one file named after a hash of its location; updates are written to a
// private work file next to it and renamed into place once complete.
package rulecache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haukened/tunblock/internal/dns/common/log"
	"github.com/haukened/tunblock/internal/dns/domain"
	"github.com/haukened/tunblock/internal/dns/repos/blocklist"
)

const (
	fileSuffix = ".hosts"
	workSuffix = ".dltmp"
)

// DefaultWorkGrace is how long Prune leaves a work file alone after its last
// write. It matches the updater's batch bound.
const DefaultWorkGrace = time.Hour

// ErrUnsupportedLocation is returned by Open for locations that are neither
// cached downloads nor local content URIs.
var ErrUnsupportedLocation = errors.New("unsupported rule list location")

// Cache is a directory of rule-list files keyed by location.
type Cache struct {
	dir    string
	logger log.Logger

	// WorkGrace protects in-flight work files from Prune.
	WorkGrace time.Duration
}

var _ blocklist.ContentResolver = (*Cache)(nil)

// New creates dir when needed and returns a Cache rooted there.
func New(dir string, logger log.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Cache{dir: dir, logger: logger, WorkGrace: DefaultWorkGrace}, nil
}

// Path returns the stable file path for location.
func (c *Cache) Path(location string) string {
	return filepath.Join(c.dir, fileName(location))
}

func fileName(location string) string {
	sum := sha256.Sum256([]byte(location))
	return hex.EncodeToString(sum[:]) + fileSuffix
}

// ModTime returns the last-modified time recorded for location's file.
func (c *Cache) ModTime(location string) (time.Time, bool) {
	fi, err := os.Stat(c.Path(location))
	if err != nil {
		return time.Time{}, false
	}
	return fi.ModTime(), true
}

// Open implements blocklist.ContentResolver. Downloaded lists are read from
// the cache; file:// entries are read in place.
func (c *Cache) Open(entry domain.RuleListEntry) (io.ReadCloser, error) {
	switch entry.Kind() {
	case domain.SourceHTTP:
		return os.Open(c.Path(entry.Location))
	case domain.SourceContent:
		p, ok := entry.ContentPath()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedLocation, entry.Location)
		}
		return os.Open(p)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLocation, entry.Location)
	}
}

// Create starts a new version of location's file. Nothing is visible to
// readers until Commit succeeds. Every call gets its own work file, so
// concurrent writers for one location never share bytes; the last Commit
// wins.
func (c *Cache) Create(location string) (*Work, error) {
	final := c.Path(location)
	f, err := os.CreateTemp(c.dir, fileName(location)+".*"+workSuffix)
	if err != nil {
		return nil, fmt.Errorf("create work file: %w", err)
	}
	if err := f.Chmod(0o644); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("create work file: %w", err)
	}
	return &Work{f: f, tmp: f.Name(), final: final}, nil
}

// Prune removes cached files whose location is not in keep, along with work
// files untouched for longer than WorkGrace. It returns the number of files
// removed.
func (c *Cache) Prune(keep []string) (int, error) {
	wanted := make(map[string]struct{}, len(keep))
	for _, loc := range keep {
		wanted[fileName(loc)] = struct{}{}
	}

	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("read cache dir: %w", err)
	}
	removed := 0
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		switch {
		case strings.HasSuffix(name, workSuffix):
			if !c.staleWork(de) {
				continue
			}
		case strings.HasSuffix(name, fileSuffix):
			if _, ok := wanted[name]; ok {
				continue
			}
		default:
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn(map[string]any{"file": name, "error": err}, "cache prune failed")
			continue
		}
		removed++
	}
	return removed, nil
}

func (c *Cache) staleWork(de fs.DirEntry) bool {
	fi, err := de.Info()
	if err != nil {
		return false
	}
	return time.Since(fi.ModTime()) > c.WorkGrace
}

// Work is an in-progress cache file.
type Work struct {
	f     *os.File
	tmp   string
	final string
	done  bool
}

func (w *Work) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Commit flushes and closes the work file, stamps it with modTime and
// renames it over the previous version.
func (w *Work) Commit(modTime time.Time) error {
	if w.done {
		return errors.New("work file already finished")
	}
	w.done = true

	if err := w.f.Sync(); err != nil {
		w.discard()
		return fmt.Errorf("sync work file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmp)
		return fmt.Errorf("close work file: %w", err)
	}
	if err := os.Chtimes(w.tmp, modTime, modTime); err != nil {
		_ = os.Remove(w.tmp)
		return fmt.Errorf("set modification time: %w", err)
	}
	if err := os.Rename(w.tmp, w.final); err != nil {
		_ = os.Remove(w.tmp)
		return fmt.Errorf("promote work file: %w", err)
	}
	return nil
}

// Abort discards the work file. It is safe to call after Commit.
func (w *Work) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.discard()
}

func (w *Work) discard() {
	_ = w.f.Close()
	_ = os.Remove(w.tmp)
}

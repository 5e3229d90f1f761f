package updater

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/haukened/tunblock/internal/dns/common/clock"
	"github.com/haukened/tunblock/internal/dns/common/log"
	"github.com/haukened/tunblock/internal/dns/domain"
	"github.com/haukened/tunblock/internal/dns/gateways/fetch"
	"github.com/haukened/tunblock/internal/dns/repos/blocklist"
	"github.com/haukened/tunblock/internal/dns/repos/rulecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type recordingSink struct {
	mu    sync.Mutex
	calls [][]string
}

func (s *recordingSink) ReportUpdateErrors(errs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, errs)
}

func (s *recordingSink) last() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

type fakeGrants struct {
	mu       sync.Mutex
	taken    map[string]bool
	released []string
}

func newFakeGrants(held ...string) *fakeGrants {
	g := &fakeGrants{taken: map[string]bool{}}
	for _, h := range held {
		g.taken[h] = true
	}
	return g
}

func (g *fakeGrants) Take(loc string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.taken[loc] = true
	return nil
}

func (g *fakeGrants) ReleaseUnreferenced(refs map[string]int) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for loc := range g.taken {
		if refs[loc] == 0 {
			delete(g.taken, loc)
			out = append(out, loc)
		}
	}
	g.released = append(g.released, out...)
	return out, nil
}

// --- helpers ---

type fixture struct {
	cache *rulecache.Cache
	db    *blocklist.Database
	sink  *recordingSink
	clock *clock.MockClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := rulecache.New(filepath.Join(t.TempDir(), "cache"), log.NewNoopLogger())
	require.NoError(t, err)
	return &fixture{
		cache: c,
		db:    blocklist.New(blocklist.Options{}),
		sink:  &recordingSink{},
		clock: &clock.MockClock{CurrentTime: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)},
	}
}

func (f *fixture) updater(t *testing.T, entries []domain.RuleListEntry, mutate func(*Options)) *Updater {
	t.Helper()
	opts := Options{
		Entries:  entries,
		Fetcher:  fetch.New(fetch.Options{}),
		Cache:    f.cache,
		Database: f.db,
		Errors:   f.sink,
		Clock:    f.clock,
		Logger:   log.NewNoopLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	u, err := New(opts)
	require.NoError(t, err)
	return u
}

func (f *fixture) seed(t *testing.T, location, body string, mod time.Time) {
	t.Helper()
	w, err := f.cache.Create(location)
	require.NoError(t, err)
	_, err = io.WriteString(w, body)
	require.NoError(t, err)
	require.NoError(t, w.Commit(mod))
}

func listServer(t *testing.T, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for path, h := range routes {
		mux.HandleFunc(path, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func body(s string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, s) }
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) }
}

// --- tests ---

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestRun_DownloadsAndRebuilds(t *testing.T) {
	lastMod := time.Date(2025, 7, 4, 9, 0, 0, 0, time.UTC)
	srv := listServer(t, map[string]http.HandlerFunc{
		"/ads": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Last-Modified", lastMod.Format(http.TimeFormat))
			_, _ = io.WriteString(w, "0.0.0.0 ads.example\n0.0.0.0 track.example\n")
		},
		"/nomod": body("plain.example\n"),
	})
	f := newFixture(t)
	entries := []domain.RuleListEntry{
		{Title: "ads", Location: srv.URL + "/ads", Policy: domain.PolicyDeny},
		{Title: "nomod", Location: srv.URL + "/nomod", Policy: domain.PolicyDeny},
		{Title: "ignored", Location: srv.URL + "/missing", Policy: domain.PolicyIgnore},
		{Title: "local", Location: "track.example", Policy: domain.PolicyAllow},
	}

	errs, err := f.updater(t, entries, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, errs)

	assert.True(t, f.db.IsBlocked("ads.example"))
	assert.True(t, f.db.IsBlocked("plain.example"))
	assert.False(t, f.db.IsBlocked("track.example"))

	mod, ok := f.cache.ModTime(srv.URL + "/ads")
	require.True(t, ok)
	assert.True(t, mod.Equal(lastMod))
	mod, ok = f.cache.ModTime(srv.URL + "/nomod")
	require.True(t, ok)
	assert.True(t, mod.Equal(f.clock.CurrentTime), "missing Last-Modified falls back to now")

	assert.Len(t, f.sink.calls, 1)
	assert.Empty(t, f.sink.last())
}

func TestRun_DuplicateLocationsFetchedOnce(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := listServer(t, map[string]http.HandlerFunc{
		"/shared": func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			hits++
			mu.Unlock()
			_, _ = io.WriteString(w, "shared.example\nother.example\n")
		},
	})
	f := newFixture(t)
	entries := []domain.RuleListEntry{
		{Title: "block", Location: srv.URL + "/shared", Policy: domain.PolicyDeny},
		{Title: "again", Location: srv.URL + "/shared", Policy: domain.PolicyDeny},
		{Title: "local", Location: "other.example", Policy: domain.PolicyAllow},
	}

	errs, err := f.updater(t, entries, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, errs)

	mu.Lock()
	assert.Equal(t, 1, hits)
	mu.Unlock()
	assert.True(t, f.db.IsBlocked("shared.example"))
	assert.False(t, f.db.IsBlocked("other.example"))
}

func TestRun_NotModifiedKeepsCacheAndRebuilds(t *testing.T) {
	sawIMS := make(chan string, 1)
	srv := listServer(t, map[string]http.HandlerFunc{
		"/list": func(w http.ResponseWriter, r *http.Request) {
			ims := r.Header.Get("If-Modified-Since")
			sawIMS <- ims
			if ims != "" {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			_, _ = io.WriteString(w, "fresh.example\n")
		},
	})
	f := newFixture(t)
	loc := srv.URL + "/list"
	prior := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	f.seed(t, loc, "cached.example\n", prior)

	errs, err := f.updater(t, []domain.RuleListEntry{{Title: "list", Location: loc, Policy: domain.PolicyDeny}}, nil).
		Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, prior.Format(http.TimeFormat), <-sawIMS)

	content, err := os.ReadFile(f.cache.Path(loc))
	require.NoError(t, err)
	assert.Equal(t, "cached.example\n", string(content))
	mod, _ := f.cache.ModTime(loc)
	assert.True(t, mod.Equal(prior))

	assert.True(t, f.db.IsBlocked("cached.example"))
	assert.False(t, f.db.IsBlocked("fresh.example"))
	assert.Equal(t, uint64(1), f.db.Stats().Generation)
}

func TestRun_NotFoundRecordedOthersComplete(t *testing.T) {
	srv := listServer(t, map[string]http.HandlerFunc{
		"/good": body("good.example\n"),
		"/gone": status(http.StatusNotFound),
	})
	f := newFixture(t)
	entries := []domain.RuleListEntry{
		{Title: "Gone List", Location: srv.URL + "/gone", Policy: domain.PolicyDeny},
		{Title: "Good List", Location: srv.URL + "/good", Policy: domain.PolicyDeny},
	}

	errs, err := f.updater(t, entries, nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "Gone List: not found", errs[0])
	assert.True(t, f.db.IsBlocked("good.example"))
	assert.Equal(t, errs, f.sink.last())
}

func TestRun_ServerAndTransportErrors(t *testing.T) {
	srv := listServer(t, map[string]http.HandlerFunc{
		"/broken": status(http.StatusBadGateway),
	})
	f := newFixture(t)
	entries := []domain.RuleListEntry{
		{Title: "broken", Location: srv.URL + "/broken", Policy: domain.PolicyDeny},
		{Title: "unreachable", Location: "http://127.0.0.1:1/hosts", Policy: domain.PolicyDeny},
	}

	errs, err := f.updater(t, entries, nil).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Contains(t, errs, "broken: server error 502")
	found := false
	for _, e := range errs {
		if len(e) > len("unreachable: ") && e[:len("unreachable: ")] == "unreachable: " {
			found = true
		}
	}
	assert.True(t, found, "transport error carries the title: %v", errs)
}

func TestRun_SuccessClearsPreviousErrors(t *testing.T) {
	fail := true
	var mu sync.Mutex
	srv := listServer(t, map[string]http.HandlerFunc{
		"/flaky": func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = io.WriteString(w, "flaky.example\n")
		},
	})
	f := newFixture(t)
	u := f.updater(t, []domain.RuleListEntry{{Title: "flaky", Location: srv.URL + "/flaky", Policy: domain.PolicyDeny}}, nil)

	errs, err := u.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"flaky: server error 503"}, errs)

	mu.Lock()
	fail = false
	mu.Unlock()

	errs, err = u.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, errs)
	require.Len(t, f.sink.calls, 2)
	assert.Empty(t, f.sink.last())
	assert.True(t, f.db.IsBlocked("flaky.example"))
}

func TestRun_ContentURIsTakeGrantsAndReleaseStale(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.hosts")
	require.NoError(t, os.WriteFile(present, []byte("local.example\n"), 0o644))

	f := newFixture(t)
	grants := newFakeGrants("file:///old/removed.hosts")
	entries := []domain.RuleListEntry{
		{Title: "present", Location: "file://" + present, Policy: domain.PolicyDeny},
		{Title: "absent", Location: "file://" + filepath.Join(dir, "absent.hosts"), Policy: domain.PolicyDeny},
	}

	errs, err := f.updater(t, entries, func(o *Options) { o.Grants = grants }).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "absent: ")
	assert.True(t, grants.taken["file://"+present])
	assert.Equal(t, []string{"file:///old/removed.hosts"}, grants.released)
	assert.True(t, f.db.IsBlocked("local.example"))
}

func TestRun_PrunesUnreferencedCacheFiles(t *testing.T) {
	srv := listServer(t, map[string]http.HandlerFunc{"/kept": body("kept.example\n")})
	f := newFixture(t)
	stale := "https://old.test/removed"
	f.seed(t, stale, "stale.example\n", time.Now())

	_, err := f.updater(t, []domain.RuleListEntry{{Title: "kept", Location: srv.URL + "/kept", Policy: domain.PolicyDeny}}, nil).
		Run(context.Background())
	require.NoError(t, err)

	_, ok := f.cache.ModTime(stale)
	assert.False(t, ok)
	_, ok = f.cache.ModTime(srv.URL + "/kept")
	assert.True(t, ok)
}

func TestRun_BatchTimeoutRecordsPending(t *testing.T) {
	release := make(chan struct{})
	srv := listServer(t, map[string]http.HandlerFunc{
		"/slow": func(w http.ResponseWriter, r *http.Request) {
			<-release
			w.WriteHeader(http.StatusInternalServerError)
		},
	})
	t.Cleanup(func() { close(release) })

	f := newFixture(t)
	u := f.updater(t, []domain.RuleListEntry{{Title: "slow", Location: srv.URL + "/slow", Policy: domain.PolicyDeny}},
		func(o *Options) {
			o.BatchTimeout = 50 * time.Millisecond
			o.ProgressInterval = 10 * time.Millisecond
		})

	errs, err := u.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"slow: timed out"}, errs)
}

func TestTrigger_RejectsOverlappingBatch(t *testing.T) {
	release := make(chan struct{})
	srv := listServer(t, map[string]http.HandlerFunc{
		"/hold": func(w http.ResponseWriter, r *http.Request) {
			<-release
			_, _ = io.WriteString(w, "held.example\n")
		},
	})
	f := newFixture(t)
	u := f.updater(t, []domain.RuleListEntry{{Title: "hold", Location: srv.URL + "/hold", Policy: domain.PolicyDeny}}, nil)

	require.NoError(t, u.Trigger(context.Background()))
	assert.ErrorIs(t, u.Trigger(context.Background()), ErrBatchRunning)

	close(release)
	u.Wait()
	assert.False(t, u.running.Load())
	assert.True(t, f.db.IsBlocked("held.example"))
	assert.NoError(t, u.Trigger(context.Background()))
	u.Wait()
}

func TestRebuild_CancelledContext(t *testing.T) {
	f := newFixture(t)
	u := f.updater(t, []domain.RuleListEntry{{Title: "a", Location: "a.example", Policy: domain.PolicyDeny}}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := u.Rebuild(ctx)
	assert.ErrorIs(t, err, blocklist.ErrRebuildCancelled)
	assert.False(t, f.db.IsBlocked("a.example"))

	require.NoError(t, u.Rebuild(context.Background()))
	assert.True(t, f.db.IsBlocked("a.example"))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "x: not found", describe("x", fetch.ErrNotFound))
	assert.Equal(t, "x: server error 418", describe("x", &fetch.StatusError{Code: 418}))
	assert.Equal(t, "x: unexpected EOF", describe("x", io.ErrUnexpectedEOF))
}

package updater

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/haukened/tunblock/internal/dns/gateways/fetch"
)

// batch accumulates the progress of one update run. Workers touch it
// concurrently, so every access goes through mu.
type batch struct {
	mu      sync.Mutex
	pending map[string]int
	done    []string
	errs    []string
}

func newBatch() *batch {
	return &batch{pending: make(map[string]int)}
}

func (b *batch) start(title string) {
	b.mu.Lock()
	b.pending[title]++
	b.mu.Unlock()
}

func (b *batch) finish(title string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[title]--; b.pending[title] <= 0 {
		delete(b.pending, title)
	}
	b.done = append(b.done, title)
	if err != nil {
		b.errs = append(b.errs, describe(title, err))
	}
}

func (b *batch) fail(msg string) {
	b.mu.Lock()
	b.errs = append(b.errs, msg)
	b.mu.Unlock()
}

func (b *batch) pendingTitles() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.pending))
	for t := range b.pending {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (b *batch) errors() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.errs...)
}

// describe renders the user-visible message for a failed entry.
func describe(title string, err error) string {
	var se *fetch.StatusError
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		return fmt.Sprintf("%s: not found", title)
	case errors.As(err, &se):
		return fmt.Sprintf("%s: server error %d", title, se.Code)
	default:
		return fmt.Sprintf("%s: %v", title, err)
	}
}

// Package netmon watches the host's default routes and reports connectivity
// changes.
package netmon

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/haukened/tunblock/internal/dns/common/log"
)

// ErrUnsupported is returned by Run on platforms without route notifications.
var ErrUnsupported = errors.New("route monitoring is not supported on this platform")

// DefaultRoute is a default route of the main table.
type DefaultRoute struct {
	LinkIndex int
	Gateway   netip.Addr
}

// Listener receives connectivity changes.
type Listener interface {
	NetworkChanged(connected bool)
}

// Source lists default routes and signals when routes may have changed.
type Source interface {
	DefaultRoutes() ([]DefaultRoute, error)
	// Subscribe sends on the returned channel after every route update
	// until ctx ends.
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}

type Options struct {
	Source   Source
	Listener Listener
	Logger   log.Logger
}

// Monitor calls the listener when the set of default routes changes: with
// false when the last one disappears and with true otherwise.
type Monitor struct {
	source   Source
	listener Listener
	logger   log.Logger

	last string
}

func New(opts Options) (*Monitor, error) {
	if opts.Listener == nil {
		return nil, errors.New("netmon: listener is required")
	}
	if opts.Source == nil {
		src, err := defaultSource()
		if err != nil {
			return nil, err
		}
		opts.Source = src
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger()
	}
	return &Monitor{
		source:   opts.Source,
		listener: opts.Listener,
		logger:   log.With(opts.Logger, map[string]any{"component": "netmon"}),
	}, nil
}

// Run reports the initial state and then every change until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	updates, err := m.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to route updates: %w", err)
	}
	m.check(true)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-updates:
			if !ok {
				return errors.New("route update subscription closed")
			}
			m.check(false)
		}
	}
}

func (m *Monitor) check(initial bool) {
	routes, err := m.source.DefaultRoutes()
	if err != nil {
		m.logger.Warn(map[string]any{"error": err}, "cannot list routes")
		return
	}
	key := fingerprint(routes)
	if key == m.last && !initial {
		return
	}
	m.last = key
	connected := len(routes) > 0
	if initial && connected {
		// the session manager starts out connected
		return
	}
	m.logger.Info(map[string]any{"connected": connected, "routes": key}, "default routes changed")
	m.listener.NetworkChanged(connected)
}

func fingerprint(routes []DefaultRoute) string {
	parts := make([]string, 0, len(routes))
	for _, r := range routes {
		parts = append(parts, fmt.Sprintf("%d/%s", r.LinkIndex, r.Gateway))
	}
	slices.Sort(parts)
	return strings.Join(parts, ",")
}

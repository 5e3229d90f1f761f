// Package session runs the tunnel: it opens the device, feeds packets to the
// proxy and restarts the session with backoff when the network fails.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/haukened/tunblock/internal/dns/common/clock"
	"github.com/haukened/tunblock/internal/dns/common/log"
	"github.com/haukened/tunblock/internal/dns/common/metrics"
	"github.com/haukened/tunblock/internal/dns/domain"
	"github.com/haukened/tunblock/internal/dns/gateways/tun"
	"github.com/haukened/tunblock/internal/dns/services/proxy"
	"github.com/haukened/tunblock/internal/dns/services/watchdog"
)

const (
	MinBackoff = 5 * time.Second
	MaxBackoff = 120 * time.Second
	// BackoffResetAfter is the session uptime after which a failure restarts
	// the backoff from MinBackoff.
	BackoffResetAfter = 60 * time.Second

	DefaultMaxWorkers   = 64
	DefaultStatusBuffer = 32
)

var (
	// ErrNetwork marks transient failures that end a session and are retried.
	ErrNetwork = errors.New("network error")
	// ErrSetup marks local failures to bring up a session. They are retried
	// the same way.
	ErrSetup = errors.New("session setup failed")

	ErrAlreadyRunning = errors.New("session manager already running")
	ErrStopTimeout    = errors.New("session did not stop in time")

	errNetworkDown    = errors.New("network disconnected")
	errNetworkChanged = errors.New("network changed")
)

type Options struct {
	Devices   DeviceFactory
	Apps      AppSelector
	Upstreams UpstreamSource
	Rules     RuleLoader
	Blocklist proxy.Blocklist
	Exchanger Exchanger
	// HostDNS is applied to the tunnel link for each session; nil leaves the
	// host resolver alone.
	HostDNS HostDNS
	Prober  watchdog.Prober
	Clock   clock.Clock
	Logger  log.Logger

	// Tunnel holds the interface settings; addresses and routes are filled
	// in per session.
	Tunnel   tun.Config
	IPv6     bool
	Watchdog bool

	MaxWorkers   int64
	StatusBuffer int
	// InterfaceAddrs lists addresses in use on the host; net.InterfaceAddrs
	// when nil.
	InterfaceAddrs func() ([]net.Addr, error)
}

// Manager owns the session lifecycle. Its methods are safe for concurrent use.
type Manager struct {
	devices   DeviceFactory
	apps      AppSelector
	upstreams UpstreamSource
	rules     RuleLoader
	blocklist proxy.Blocklist
	exchanger Exchanger
	hostDNS   HostDNS
	watchdog  *watchdog.Watchdog
	clock     clock.Clock
	logger    log.Logger

	tunnel     tun.Config
	ipv6       bool
	useWD      bool
	maxWorkers int64
	ifaceAddrs func() ([]net.Addr, error)

	statuses chan domain.StatusEvent
	kick     chan struct{}

	mu         sync.Mutex
	current    domain.StatusEvent
	cancel     context.CancelFunc
	done       chan struct{}
	stopping   bool
	sessCancel context.CancelCauseFunc
	device     Device
	connected  bool
	networkUp  chan struct{}
}

func New(opts Options) (*Manager, error) {
	if opts.Devices == nil || opts.Upstreams == nil || opts.Blocklist == nil || opts.Exchanger == nil {
		return nil, errors.New("session: device factory, upstream source, blocklist and exchanger are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger()
	}
	if opts.Apps == nil {
		opts.Apps = &UserSelector{}
	}
	if opts.Prober == nil {
		opts.Prober = watchdog.NewUDPProber()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.StatusBuffer <= 0 {
		opts.StatusBuffer = DefaultStatusBuffer
	}
	if opts.InterfaceAddrs == nil {
		opts.InterfaceAddrs = net.InterfaceAddrs
	}
	logger := log.With(opts.Logger, map[string]any{"component": "session"})
	return &Manager{
		devices:   opts.Devices,
		apps:      opts.Apps,
		upstreams: opts.Upstreams,
		rules:     opts.Rules,
		blocklist: opts.Blocklist,
		exchanger: opts.Exchanger,
		hostDNS:   opts.HostDNS,
		watchdog: watchdog.New(watchdog.Options{
			Prober: opts.Prober,
			Clock:  opts.Clock,
			Logger: opts.Logger,
		}),
		clock:      opts.Clock,
		logger:     logger,
		tunnel:     opts.Tunnel,
		ipv6:       opts.IPv6,
		useWD:      opts.Watchdog,
		maxWorkers: opts.MaxWorkers,
		ifaceAddrs: opts.InterfaceAddrs,
		statuses:   make(chan domain.StatusEvent, opts.StatusBuffer),
		kick:       make(chan struct{}, 1),
		current:    domain.StatusEvent{Status: domain.StatusStopped, At: opts.Clock.Now()},
		connected:  true,
	}, nil
}

// Statuses returns the stream of status events. Events are dropped when the
// channel is full.
func (m *Manager) Statuses() <-chan domain.StatusEvent {
	return m.statuses
}

// Status returns the most recent status event.
func (m *Manager) Status() domain.StatusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Start launches the session driver. It returns immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.stopping = false
	done := m.done
	m.mu.Unlock()

	go m.drive(ctx, done)
	return nil
}

// Stop cancels the running session and waits up to timeout for the driver to
// exit. A driver that does not exit in time is abandoned.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	m.cancel()
	m.cancel = nil
	done := m.done
	dev := m.device
	m.mu.Unlock()

	m.publish(domain.StatusStopping, nil)
	if dev != nil {
		if err := dev.Interrupt(); err != nil {
			m.logger.Warn(map[string]any{"error": err}, "cannot interrupt tunnel read")
		}
	}

	var err error
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.logger.Error(map[string]any{"timeout": timeout.String()}, "session driver did not exit, abandoning it")
		err = ErrStopTimeout
	}
	m.publish(domain.StatusStopped, nil)
	return err
}

// NetworkChanged reports a connectivity change. Losing the network ends the
// current session until connectivity returns; a change while connected
// restarts the session at once.
func (m *Manager) NetworkChanged(connected bool) {
	m.mu.Lock()
	cause := errNetworkChanged
	if !connected {
		if !m.connected {
			m.mu.Unlock()
			return
		}
		m.connected = false
		m.networkUp = make(chan struct{})
		cause = errNetworkDown
	} else if !m.connected {
		m.connected = true
		close(m.networkUp)
		m.networkUp = nil
		m.mu.Unlock()
		return
	}
	sessCancel, dev := m.sessCancel, m.device
	m.mu.Unlock()

	m.logger.Info(map[string]any{"connected": connected}, "network changed")
	if connected {
		select {
		case m.kick <- struct{}{}:
		default:
		}
	}
	if sessCancel != nil {
		sessCancel(cause)
	}
	if dev != nil {
		_ = dev.Interrupt()
	}
}

// drive runs sessions until ctx is cancelled.
func (m *Manager) drive(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := MinBackoff
	status := domain.StatusStarting
	for {
		if !m.waitForNetwork(ctx) {
			return
		}
		// a pending kick was meant for an earlier session
		select {
		case <-m.kick:
		default:
		}
		m.emit(status, nil)
		started := m.clock.Now()
		err := m.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		metrics.Reconnects.Inc()
		status = domain.StatusReconnecting

		switch {
		case errors.Is(err, errNetworkDown):
			continue
		case errors.Is(err, errNetworkChanged):
			backoff = MinBackoff
			continue
		}

		m.emit(domain.StatusReconnectingNetworkError, err)
		if m.clock.Now().Sub(started) >= BackoffResetAfter {
			backoff = MinBackoff
		}
		m.logger.Warn(map[string]any{"error": err, "retryIn": backoff.String()}, "session failed")
		select {
		case <-ctx.Done():
			return
		case <-m.kick:
		case <-m.clock.After(backoff):
		}
		backoff *= 2
		if backoff > MaxBackoff {
			backoff = MaxBackoff
		}
	}
}

// waitForNetwork blocks while the network is down. It returns false when ctx
// ends first.
func (m *Manager) waitForNetwork(ctx context.Context) bool {
	for {
		m.mu.Lock()
		if m.connected {
			m.mu.Unlock()
			return ctx.Err() == nil
		}
		up := m.networkUp
		m.mu.Unlock()

		m.emit(domain.StatusWaitingForNetwork, nil)
		select {
		case <-ctx.Done():
			return false
		case <-up:
		}
	}
}

// runOnce runs one session and reports why it ended.
func (m *Manager) runOnce(ctx context.Context) error {
	sessCtx, cancel := context.WithCancelCause(ctx)
	m.mu.Lock()
	m.sessCancel = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.sessCancel = nil
		m.mu.Unlock()
		cancel(nil)
	}()

	err := m.runSession(sessCtx)
	if cause := context.Cause(sessCtx); errors.Is(cause, errNetworkDown) || errors.Is(cause, errNetworkChanged) {
		return cause
	}
	if err == nil {
		err = fmt.Errorf("%w: session ended unexpectedly", ErrNetwork)
	}
	return err
}

func (m *Manager) runSession(ctx context.Context) error {
	p, err := m.prepare(ctx)
	if err != nil {
		return err
	}

	dev, err := m.devices(p.config)
	if err != nil {
		return fmt.Errorf("%w: open tunnel: %w", ErrSetup, err)
	}
	m.mu.Lock()
	m.device = dev
	m.mu.Unlock()

	px := proxy.New(proxy.Options{
		Blocklist: m.blocklist,
		Upstreams: p.servers,
		Logger:    m.logger,
	})
	loopCtx, stopLoop := context.WithCancel(ctx)
	loop := newEventLoop(loopCtx, dev, px, m.exchanger, m.maxWorkers, m.logger)
	dnsApplied := false
	defer func() {
		if dnsApplied {
			if err := m.hostDNS.Revert(dev.Name()); err != nil {
				m.logger.Warn(map[string]any{"error": err, "link": dev.Name()}, "cannot restore host dns")
			}
		}
		m.mu.Lock()
		m.device = nil
		m.mu.Unlock()
		// forwards must finish before the device goes away
		stopLoop()
		loop.wait()
		if err := dev.Close(); err != nil {
			m.logger.Warn(map[string]any{"error": err}, "cannot close tunnel device")
		}
	}()

	// upstreams were read in prepare, before the host resolver points here
	if m.hostDNS != nil {
		if err := m.hostDNS.Apply(dev.Name(), p.dnsServers()); err != nil {
			return fmt.Errorf("%w: point host dns at tunnel: %w", ErrSetup, err)
		}
		dnsApplied = true
	}

	m.watchdog.SetTarget(p.target)
	if wait := m.watchdog.Initialize(m.useWD); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(wait):
		}
	}

	m.emit(domain.StatusRunning, nil)
	m.logger.Info(map[string]any{
		"upstreams": len(p.servers),
		"routes":    len(p.config.Routes),
	}, "session running")
	return m.readLoop(ctx, dev, px, loop)
}

// prepare resolves upstreams, rebuilds the rules and plans the addressing.
func (m *Manager) prepare(ctx context.Context) (plan, error) {
	servers, err := m.upstreams.Servers()
	if err != nil {
		return plan{}, fmt.Errorf("%w: upstream servers: %w", ErrNetwork, err)
	}

	addrs, err := m.ifaceAddrs()
	if err != nil {
		return plan{}, fmt.Errorf("%w: list interface addresses: %w", ErrSetup, err)
	}
	inUse := interfacePrefixes(addrs)
	tunnel4, ok := pickTunnel(tunnelCandidates4, inUse)
	if !ok {
		return plan{}, fmt.Errorf("%w: no free tunnel subnet", ErrSetup)
	}
	var tunnel6 netip.Prefix
	if m.ipv6 {
		if tunnel6, ok = pickTunnel(tunnelCandidates6, inUse); !ok {
			m.logger.Warn(nil, "no free ipv6 tunnel subnet, continuing without ipv6")
		}
	}
	servers = withoutTunnel(servers, slices.Concat(tunnelCandidates4, tunnelCandidates6)...)

	if m.rules != nil {
		if err := m.rules.Rebuild(ctx); err != nil {
			if ctx.Err() != nil {
				return plan{}, ctx.Err()
			}
			m.logger.Warn(map[string]any{"error": err}, "blocklist rebuild failed, keeping previous rules")
		}
	}

	include, exclude, err := m.apps.Select()
	if err != nil {
		return plan{}, fmt.Errorf("%w: select applications: %w", ErrSetup, err)
	}
	base := m.tunnel
	base.Include = include
	base.Exclude = exclude
	return buildPlan(servers, tunnel4, tunnel6, base)
}

func (m *Manager) readLoop(ctx context.Context, dev Device, px *proxy.Proxy, loop *eventLoop) error {
	buf := make([]byte, tun.MaxPacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := dev.ReadPacket(buf, m.watchdog.PollTimeout())
		switch {
		case errors.Is(err, tun.ErrInterrupted):
			if ferr := loop.failure(); ferr != nil {
				return ferr
			}
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return fmt.Errorf("%w: tunnel read interrupted", ErrNetwork)
		case errors.Is(err, tun.ErrTimeout):
			if werr := m.watchdog.HandleTimeout(); werr != nil {
				return fmt.Errorf("%w: %w", ErrNetwork, werr)
			}
			continue
		case err != nil:
			return fmt.Errorf("%w: read tunnel: %w", ErrNetwork, err)
		}

		m.watchdog.HandlePacket()
		if err := px.HandlePacket(buf[:n], loop); err != nil {
			return fmt.Errorf("%w: %w", ErrNetwork, err)
		}
	}
}

// emit publishes a status from the driver. It is suppressed once Stop has
// begun so that Stopping and Stopped are the last events.
func (m *Manager) emit(status domain.Status, err error) {
	m.record(status, err, false)
}

func (m *Manager) publish(status domain.Status, err error) {
	m.record(status, err, true)
}

func (m *Manager) record(status domain.Status, err error, force bool) {
	ev := domain.StatusEvent{Status: status, At: m.clock.Now(), Err: err}
	m.mu.Lock()
	if m.stopping && !force {
		m.mu.Unlock()
		return
	}
	m.current = ev
	select {
	case m.statuses <- ev:
	default:
	}
	m.mu.Unlock()

	metrics.SessionStatus.Set(float64(status))
	fields := map[string]any{"status": status.String()}
	if err != nil {
		fields["error"] = err
	}
	m.logger.Info(fields, "session status")
}

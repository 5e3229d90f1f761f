// Package watchdog detects a stalled tunnel path by sending empty probe
// datagrams through the tunnel and waiting for them to come back out of the
// device.
package watchdog

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/haukened/tunblock/internal/dns/common/clock"
	"github.com/haukened/tunblock/internal/dns/common/log"
)

const (
	BasePollTimeout = time.Second
	MaxPollTimeout  = 4096 * time.Second
	// WaitingWindow is how long a probe may stay unanswered.
	WaitingWindow  = 7 * time.Second
	PenaltyStep    = 200 * time.Millisecond
	MaxInitPenalty = 5 * time.Second
	// Disabled is the poll timeout that blocks indefinitely.
	Disabled time.Duration = -1
)

var (
	ErrNetworkStalled = errors.New("network stalled: watchdog probe unanswered")
	ErrProbeFailed    = errors.New("watchdog probe failed")
)

// Prober sends one empty datagram to target through the tunnel.
type Prober interface {
	Probe(target netip.AddrPort) error
}

type Options struct {
	Prober Prober
	Clock  clock.Clock
	Logger log.Logger
}

// Watchdog holds the timing state of one session. It is not safe for
// concurrent use; the session read loop owns it.
type Watchdog struct {
	prober Prober
	clock  clock.Clock
	logger log.Logger

	enabled     bool
	target      netip.AddrPort
	pollTimeout time.Duration
	initPenalty time.Duration
	outstanding bool
	lastSent    time.Time
	lastRecv    time.Time
}

func New(opts Options) *Watchdog {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.GetLogger()
	}
	return &Watchdog{
		prober:      opts.Prober,
		clock:       opts.Clock,
		logger:      log.With(opts.Logger, map[string]any{"component": "watchdog"}),
		pollTimeout: BasePollTimeout,
	}
}

// SetTarget sets the address probes are sent to.
func (w *Watchdog) SetTarget(target netip.AddrPort) {
	w.target = target
}

// Initialize resets the timing state for a new session and returns how long
// the caller must wait before starting it. The wait grows with every stall
// and drops to zero after a probe round-trip succeeds.
func (w *Watchdog) Initialize(enabled bool) time.Duration {
	wait := w.initPenalty
	w.enabled = enabled
	w.pollTimeout = BasePollTimeout
	w.outstanding = false
	w.lastSent = time.Time{}
	w.lastRecv = time.Time{}
	w.logger.Debug(map[string]any{"enabled": enabled, "wait": wait.String()}, "watchdog initialized")
	return wait
}

// PollTimeout returns how long the next device read may block.
func (w *Watchdog) PollTimeout() time.Duration {
	if !w.enabled {
		return Disabled
	}
	if w.outstanding {
		return WaitingWindow
	}
	return w.pollTimeout
}

// HandleTimeout is called when a device read timed out. It either reports a
// stall or grows the poll timeout and sends a new probe.
func (w *Watchdog) HandleTimeout() error {
	if !w.enabled {
		return nil
	}
	if w.outstanding {
		w.raisePenalty()
		w.logger.Warn(map[string]any{
			"sent":    w.lastSent,
			"penalty": w.initPenalty.String(),
		}, "watchdog probe unanswered")
		return fmt.Errorf("%w: no reply within %s", ErrNetworkStalled, WaitingWindow)
	}

	w.pollTimeout *= 2
	if w.pollTimeout > MaxPollTimeout {
		w.pollTimeout = MaxPollTimeout
	}
	return w.sendProbe()
}

// HandlePacket records a packet read from the device.
func (w *Watchdog) HandlePacket() {
	if !w.enabled {
		return
	}
	w.lastRecv = w.clock.Now()
	if w.outstanding {
		w.outstanding = false
		w.initPenalty = 0
		return
	}
	w.pollTimeout = BasePollTimeout
}

func (w *Watchdog) sendProbe() error {
	if w.prober == nil {
		return fmt.Errorf("%w: no prober configured", ErrProbeFailed)
	}
	if err := w.prober.Probe(w.target); err != nil {
		return fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	w.lastSent = w.clock.Now()
	w.outstanding = true
	w.logger.Debug(map[string]any{
		"target":      w.target.String(),
		"pollTimeout": w.pollTimeout.String(),
	}, "watchdog probe sent")
	return nil
}

func (w *Watchdog) raisePenalty() {
	w.initPenalty += PenaltyStep
	if w.initPenalty > MaxInitPenalty {
		w.initPenalty = MaxInitPenalty
	}
}

// Package upstream relays intercepted DNS payloads to real resolvers over
// sockets that bypass the tunnel.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/haukened/tunblock/internal/dns/common/metrics"
)

// Error message constants for consistent error handling
const (
	errFailedToConnect = "%w: failed to connect: %w"
	errWriteFailed     = "write failed: %w"
	errReadFailed      = "read failed: %w"
	errDeadline        = "set deadline: %w"
)

// ErrSocket marks failures to create or connect the upstream socket, as
// opposed to failures of the exchange itself.
var ErrSocket = errors.New("upstream socket unavailable")

// MaxMessageSize is the largest UDP DNS response accepted from upstream.
const MaxMessageSize = 65535

// DefaultTimeout bounds one exchange when the caller's context has no deadline.
const DefaultTimeout = 10 * time.Second

// DialFunc defines a function type for establishing a network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures an Exchanger.
type Options struct {
	Timeout time.Duration
	// FwMark is stamped on every upstream socket (SO_MARK) so that policy
	// routing sends it around the tunnel. Zero leaves sockets unmarked.
	FwMark int

	// options to inject for testing purposes
	Dial DialFunc
}

// Exchanger performs one request/response round-trip per call.
type Exchanger struct {
	timeout time.Duration
	dial    DialFunc
}

// NewExchanger returns an Exchanger with defaults applied to unset options.
func NewExchanger(opts Options) *Exchanger {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Dial == nil {
		d := &net.Dialer{Control: protectControl(opts.FwMark)}
		opts.Dial = d.DialContext
	}
	return &Exchanger{timeout: opts.Timeout, dial: opts.Dial}
}

// ensureContextDeadline adds the default timeout to ctx when it has none.
func (e *Exchanger) ensureContextDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, e.timeout)
	}
	return ctx, func() {}
}

// Exchange sends payload to server and returns the raw reply datagram.
func (e *Exchanger) Exchange(ctx context.Context, server netip.AddrPort, payload []byte) ([]byte, error) {
	ctx, cancel := e.ensureContextDeadline(ctx)
	defer cancel()

	label := server.Addr().String()
	start := time.Now()
	resp, err := e.exchange(ctx, server, payload)
	if err != nil {
		metrics.UpstreamFailures.WithLabelValues(label).Inc()
		return nil, err
	}
	metrics.UpstreamLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return resp, nil
}

// Send writes payload to server without waiting for a reply.
func (e *Exchanger) Send(ctx context.Context, server netip.AddrPort, payload []byte) error {
	ctx, cancel := e.ensureContextDeadline(ctx)
	defer cancel()

	conn, err := e.connect(ctx, server)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf(errWriteFailed, ctxErr(ctx, err))
	}
	return nil
}

func (e *Exchanger) connect(ctx context.Context, server netip.AddrPort) (net.Conn, error) {
	conn, err := e.dial(ctx, "udp", server.String())
	if err != nil {
		return nil, fmt.Errorf(errFailedToConnect, ErrSocket, err)
	}
	return conn, nil
}

func (e *Exchanger) exchange(ctx context.Context, server netip.AddrPort, payload []byte) ([]byte, error) {
	conn, err := e.connect(ctx, server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf(errDeadline, err)
	}

	// closing the conn unblocks the read when ctx ends before the deadline
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf(errWriteFailed, ctxErr(ctx, err))
	}
	buf := make([]byte, MaxMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf(errReadFailed, ctxErr(ctx, err))
	}
	return buf[:n:n], nil
}

// ctxErr attaches the context error to the I/O error it caused. The socket
// deadline equals the context deadline, so an I/O timeout counts as expiry.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return errors.Join(cerr, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return errors.Join(context.DeadlineExceeded, err)
	}
	return err
}

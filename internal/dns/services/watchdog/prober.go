package watchdog

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"
)

const probeTimeout = 5 * time.Second

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// UDPProber sends probes over an ordinary, unmarked socket so the datagram is
// routed into the tunnel.
type UDPProber struct {
	Dial DialFunc
}

var _ Prober = (*UDPProber)(nil)

func NewUDPProber() *UDPProber {
	d := &net.Dialer{Timeout: probeTimeout}
	return &UDPProber{Dial: d.DialContext}
}

func (p *UDPProber) Probe(target netip.AddrPort) error {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	conn, err := p.Dial(ctx, "udp", target.String())
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{}); err != nil {
		return fmt.Errorf("write probe to %s: %w", target, err)
	}
	return nil
}

package session

import (
	"context"
	"net/netip"
	"time"

	"github.com/haukened/tunblock/internal/dns/gateways/tun"
)

// Device is the tunnel device of one session.
type Device interface {
	Name() string
	ReadPacket(buf []byte, timeout time.Duration) (int, error)
	WritePacket(pkt []byte) error
	Interrupt() error
	Close() error
}

// DeviceFactory opens and configures a tunnel device.
type DeviceFactory func(cfg tun.Config) (Device, error)

// HostDNS points the host resolver at the tunnel addresses of a link and
// restores it afterwards.
type HostDNS interface {
	Apply(link string, servers []netip.Addr) error
	Revert(link string) error
}

// AppSelector decides which users are routed through the tunnel. A non-empty
// include list restricts the tunnel to those users; otherwise everyone except
// the excluded users is routed.
type AppSelector interface {
	Select() (include, exclude []tun.UIDRange, err error)
}

// UpstreamSource yields the real resolvers for a new session.
type UpstreamSource interface {
	Servers() ([]netip.Addr, error)
}

// RuleLoader rebuilds the blocklist from the rule-list cache.
type RuleLoader interface {
	Rebuild(ctx context.Context) error
}

// Exchanger relays payloads to upstream resolvers over protected sockets.
type Exchanger interface {
	Exchange(ctx context.Context, server netip.AddrPort, payload []byte) ([]byte, error)
	Send(ctx context.Context, server netip.AddrPort, payload []byte) error
}

// Package tun creates and drives the virtual network interface that carries
// intercepted DNS traffic.
package tun

import (
	"errors"
	"net"
	"net/netip"
)

var (
	// ErrInterrupted is returned by ReadPacket after Interrupt was called.
	ErrInterrupted = errors.New("tun read interrupted")
	// ErrTimeout is returned by ReadPacket when no packet arrived in time.
	ErrTimeout = errors.New("tun read timed out")
	// ErrUnsupported is returned by Open on platforms without tun support.
	ErrUnsupported = errors.New("tun devices are not supported on this platform")
)

const (
	// MaxPacketSize is the largest packet read from the device in one call.
	MaxPacketSize = 32767
	DefaultName   = "tunblock0"
	DefaultMTU    = 1500
	// DefaultTable is the routing table holding the tunnel routes.
	DefaultTable = 5353
	// DefaultRulePriority is the priority of the first policy rule installed.
	DefaultRulePriority = 5300
)

// UIDRange is an inclusive range of user IDs used for per-application
// routing.
type UIDRange struct {
	Start uint32
	End   uint32
}

// Config describes the interface to create and the routing around it.
type Config struct {
	Name string
	MTU  int
	// Addresses are assigned to the interface without a prefix route.
	Addresses []netip.Prefix
	// Routes are installed into Table through the interface.
	Routes []netip.Prefix
	Table  int
	// RulePriority is the priority of the fwmark bypass rule. Later rules use
	// consecutive priorities.
	RulePriority int
	// FwMark marks sockets that must bypass the tunnel. Zero disables the
	// bypass rule.
	FwMark uint32
	// Include limits the tunnel to these users. When empty every user is
	// routed through the tunnel except those in Exclude.
	Include []UIDRange
	Exclude []UIDRange
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if c.Table == 0 {
		c.Table = DefaultTable
	}
	if c.RulePriority == 0 {
		c.RulePriority = DefaultRulePriority
	}
	return c
}

// families returns the address families present in Routes.
func (c Config) families() (v4, v6 bool) {
	for _, p := range c.Routes {
		if p.Addr().Is4() {
			v4 = true
		} else {
			v6 = true
		}
	}
	return v4, v6
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	bits := 32
	if p.Addr().Is6() {
		bits = 128
	}
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), bits),
	}
}

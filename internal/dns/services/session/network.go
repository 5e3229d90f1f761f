package session

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/haukened/tunblock/internal/dns/gateways/tun"
	"github.com/haukened/tunblock/internal/dns/services/proxy"
)

// Tunnel subnets tried in order; the first one not used by a local interface
// wins. The interface takes the .1 address and resolver i is reached at .i+2.
var (
	tunnelCandidates4 = []netip.Prefix{
		netip.MustParsePrefix("192.168.50.1/24"),
		netip.MustParsePrefix("192.168.51.1/24"),
		netip.MustParsePrefix("192.168.52.1/24"),
		netip.MustParsePrefix("10.111.222.1/24"),
	}
	tunnelCandidates6 = []netip.Prefix{
		netip.MustParsePrefix("fd00:1:fd00:1:fd00:1:fd00:1/120"),
		netip.MustParsePrefix("fd00:1:fd00:1:fd00:2:fd00:1/120"),
	}
)

// maxResolvers is the number of resolvers addressable in a /24 or /120.
const maxResolvers = 253

// plan is the addressing of one session.
type plan struct {
	servers []netip.Addr
	config  tun.Config
	target  netip.AddrPort
}

// dnsServers returns the tunnel addresses that stand in for the resolvers.
func (p plan) dnsServers() []netip.Addr {
	out := make([]netip.Addr, 0, len(p.config.Routes))
	for _, r := range p.config.Routes {
		out = append(out, r.Addr())
	}
	return out
}

// pickTunnel returns the first candidate that overlaps no address in use.
func pickTunnel(candidates []netip.Prefix, inUse []netip.Prefix) (netip.Prefix, bool) {
	for _, c := range candidates {
		free := true
		for _, p := range inUse {
			if c.Masked().Overlaps(p.Masked()) {
				free = false
				break
			}
		}
		if free {
			return c, true
		}
	}
	return netip.Prefix{}, false
}

// interfacePrefixes converts the result of net.InterfaceAddrs.
func interfacePrefixes(addrs []net.Addr) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(addrs))
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipn.IP)
		if !ok {
			continue
		}
		ones, _ := ipn.Mask.Size()
		if ip.Is4In6() {
			ip = ip.Unmap()
			if ones >= 96 {
				ones -= 96
			}
		}
		out = append(out, netip.PrefixFrom(ip, ones))
	}
	return out
}

// virtualAddr returns the tunnel address through which resolver i is reached.
func virtualAddr(tunnel netip.Prefix, i int) netip.Addr {
	b := tunnel.Addr().AsSlice()
	b[len(b)-1] = byte(i + 2)
	addr, _ := netip.AddrFromSlice(b)
	return addr
}

// withoutTunnel drops resolvers that live inside a tunnel subnet, which would
// route queries back into the tunnel.
func withoutTunnel(servers []netip.Addr, tunnels ...netip.Prefix) []netip.Addr {
	out := make([]netip.Addr, 0, len(servers))
	for _, s := range servers {
		inside := false
		for _, t := range tunnels {
			if t.IsValid() && t.Masked().Contains(s) {
				inside = true
				break
			}
		}
		if !inside {
			out = append(out, s)
		}
	}
	return out
}

// buildPlan maps every resolver to a tunnel address of its family and
// collects the interface configuration.
func buildPlan(servers []netip.Addr, tunnel4, tunnel6 netip.Prefix, base tun.Config) (plan, error) {
	if len(servers) > maxResolvers {
		servers = servers[:maxResolvers]
	}
	cfg := base
	cfg.Addresses = nil
	cfg.Routes = nil
	if tunnel4.IsValid() {
		cfg.Addresses = append(cfg.Addresses, tunnel4)
	}
	if tunnel6.IsValid() {
		cfg.Addresses = append(cfg.Addresses, tunnel6)
	}

	var target netip.AddrPort
	for i, s := range servers {
		var tunnel netip.Prefix
		switch {
		case s.Is4():
			tunnel = tunnel4
		case tunnel6.IsValid():
			tunnel = tunnel6
		default:
			continue
		}
		addr := virtualAddr(tunnel, i)
		cfg.Routes = append(cfg.Routes, netip.PrefixFrom(addr, addr.BitLen()))
		if !target.IsValid() {
			target = netip.AddrPortFrom(addr, proxy.DNSPort)
		}
	}
	if len(cfg.Routes) == 0 {
		return plan{}, fmt.Errorf("%w: no usable upstream servers", ErrNetwork)
	}
	return plan{servers: servers, config: cfg, target: target}, nil
}

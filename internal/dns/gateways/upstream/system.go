package upstream

import (
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
)

// DefaultResolvConf is where SystemServers looks when no path is given.
const DefaultResolvConf = "/etc/resolv.conf"

// SystemServers returns the nameservers listed in a resolv.conf file,
// dropping IPv6 servers unless ipv6 is set.
func SystemServers(path string, ipv6 bool) ([]netip.Addr, error) {
	if path == "" {
		path = DefaultResolvConf
	}
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var out []netip.Addr
	for _, s := range cfg.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		addr = addr.Unmap()
		if addr.Is6() && !ipv6 {
			continue
		}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable nameservers in %s", path)
	}
	return out, nil
}

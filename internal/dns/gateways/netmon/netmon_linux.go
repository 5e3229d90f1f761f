//go:build linux

package netmon

import (
	"context"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type netlinkSource struct{}

func defaultSource() (Source, error) { return netlinkSource{}, nil }

func (netlinkSource) DefaultRoutes() ([]DefaultRoute, error) {
	filter := &netlink.Route{Table: unix.RT_TABLE_MAIN}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL, filter, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, err
	}
	var out []DefaultRoute
	for _, r := range routes {
		if !isDefault(r.Dst) {
			continue
		}
		gw, _ := netip.AddrFromSlice(r.Gw)
		out = append(out, DefaultRoute{LinkIndex: r.LinkIndex, Gateway: gw.Unmap()})
	}
	return out, nil
}

func isDefault(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0
}

func (netlinkSource) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	updates := make(chan netlink.RouteUpdate, 16)
	done := make(chan struct{})
	if err := netlink.RouteSubscribe(updates, done); err != nil {
		return nil, err
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-updates:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

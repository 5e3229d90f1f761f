package session

import (
	"fmt"
	"net/netip"
	"os/user"
	"strconv"

	"github.com/haukened/tunblock/internal/dns/gateways/tun"
	"github.com/haukened/tunblock/internal/dns/gateways/upstream"
)

// ResolverSource returns the configured resolvers, or the system resolvers
// from ResolvConf when none are configured. IPv6 resolvers are only returned
// with IPv6 enabled.
type ResolverSource struct {
	Configured []netip.Addr
	ResolvConf string
	IPv6       bool
}

var _ UpstreamSource = (*ResolverSource)(nil)

func (r *ResolverSource) Servers() ([]netip.Addr, error) {
	if len(r.Configured) == 0 {
		return upstream.SystemServers(r.ResolvConf, r.IPv6)
	}
	out := make([]netip.Addr, 0, len(r.Configured))
	for _, a := range r.Configured {
		a = a.Unmap()
		if a.Is6() && !r.IPv6 {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable upstream servers among %d configured", len(r.Configured))
	}
	return out, nil
}

// UserSelector selects users by name or numeric ID. Allowed wins over
// Disallowed when both are set.
type UserSelector struct {
	Allowed    []string
	Disallowed []string
	// Lookup resolves a user name to a numeric ID; user.Lookup when nil.
	Lookup func(name string) (uint32, error)
}

var _ AppSelector = (*UserSelector)(nil)

func (s *UserSelector) Select() (include, exclude []tun.UIDRange, err error) {
	if len(s.Allowed) > 0 {
		include, err = s.resolve(s.Allowed)
		return include, nil, err
	}
	exclude, err = s.resolve(s.Disallowed)
	return nil, exclude, err
}

func (s *UserSelector) resolve(names []string) ([]tun.UIDRange, error) {
	out := make([]tun.UIDRange, 0, len(names))
	for _, n := range names {
		uid, err := s.uid(n)
		if err != nil {
			return nil, err
		}
		out = append(out, tun.UIDRange{Start: uid, End: uid})
	}
	return out, nil
}

func (s *UserSelector) uid(name string) (uint32, error) {
	if id, err := strconv.ParseUint(name, 10, 32); err == nil {
		return uint32(id), nil
	}
	if s.Lookup != nil {
		return s.Lookup(name)
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, fmt.Errorf("lookup user %q: %w", name, err)
	}
	id, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("user %q has non-numeric uid %q", name, u.Uid)
	}
	return uint32(id), nil
}

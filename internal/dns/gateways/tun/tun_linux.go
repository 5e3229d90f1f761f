//go:build linux

package tun

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const cloneDevice = "/dev/net/tun"

// Device is an open tun interface. ReadPacket is meant for a single reader;
// WritePacket may be called concurrently with it.
type Device struct {
	fd   int
	efd  int
	name string

	mu     sync.Mutex
	closed bool
	rules  []*netlink.Rule
}

// Open creates the interface, assigns its addresses and installs the routes
// and policy rules described by cfg. Everything is undone by Close.
func Open(cfg Config) (*Device, error) {
	cfg = cfg.withDefaults()

	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cloneDevice, err)
	}
	ifr, err := unix.NewIfreq(cfg.Name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("interface name %q: %w", cfg.Name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", cfg.Name, err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	d := &Device{fd: fd, efd: efd, name: ifr.Name()}
	if err := d.configure(cfg); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Name returns the kernel name of the interface.
func (d *Device) Name() string {
	return d.name
}

func (d *Device) configure(cfg Config) error {
	link, err := netlink.LinkByName(d.name)
	if err != nil {
		return fmt.Errorf("lookup link %s: %w", d.name, err)
	}
	if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
		return fmt.Errorf("set mtu on %s: %w", d.name, err)
	}
	for _, p := range cfg.Addresses {
		addr := &netlink.Addr{IPNet: prefixToIPNet(p), Flags: unix.IFA_F_NOPREFIXROUTE}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("add address %s: %w", p, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", d.name, err)
	}

	// Routes go away with the link when the device is closed.
	for _, p := range cfg.Routes {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Table:     cfg.Table,
			Scope:     netlink.SCOPE_LINK,
			Dst:       prefixToIPNet(p),
		}
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("add route %s table %d: %w", p, cfg.Table, err)
		}
	}

	v4, v6 := cfg.families()
	for _, fam := range []struct {
		on     bool
		family int
	}{{v4, netlink.FAMILY_V4}, {v6, netlink.FAMILY_V6}} {
		if !fam.on {
			continue
		}
		for _, rule := range buildRules(cfg, fam.family) {
			if err := netlink.RuleAdd(rule); err != nil {
				return fmt.Errorf("add rule priority %d: %w", rule.Priority, err)
			}
			d.rules = append(d.rules, rule)
		}
	}
	return nil
}

// buildRules returns the policy rules for one address family in priority
// order: the fwmark bypass, the exclusions and then the tunnel lookups.
func buildRules(cfg Config, family int) []*netlink.Rule {
	var rules []*netlink.Rule
	prio := cfg.RulePriority
	next := func(table int) *netlink.Rule {
		r := netlink.NewRule()
		r.Family = family
		r.Priority = prio
		r.Table = table
		prio++
		return r
	}

	if cfg.FwMark != 0 {
		r := next(unix.RT_TABLE_MAIN)
		r.Mark = cfg.FwMark
		rules = append(rules, r)
	}
	if len(cfg.Include) > 0 {
		for _, u := range cfg.Include {
			r := next(cfg.Table)
			r.UIDRange = netlink.NewRuleUIDRange(u.Start, u.End)
			rules = append(rules, r)
		}
		return rules
	}
	for _, u := range cfg.Exclude {
		r := next(unix.RT_TABLE_MAIN)
		r.UIDRange = netlink.NewRuleUIDRange(u.Start, u.End)
		rules = append(rules, r)
	}
	rules = append(rules, next(cfg.Table))
	return rules
}

// ReadPacket reads one packet into buf. A negative timeout waits forever.
func (d *Device) ReadPacket(buf []byte, timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	for {
		fds := []unix.PollFd{
			{Fd: int32(d.fd), Events: unix.POLLIN},
			{Fd: int32(d.efd), Events: unix.POLLIN},
		}
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("poll tun: %w", err)
		}
		if n == 0 {
			return 0, ErrTimeout
		}
		if fds[1].Revents != 0 {
			return 0, ErrInterrupted
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return 0, fmt.Errorf("tun device %s: poll revents %#x", d.name, fds[0].Revents)
		}
		n, err = unix.Read(d.fd, buf)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read tun: %w", err)
		}
		return n, nil
	}
}

// WritePacket writes one complete IP packet to the device.
func (d *Device) WritePacket(pkt []byte) error {
	for {
		_, err := unix.Write(d.fd, pkt)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLOUT}}
			if _, err := unix.Poll(fds, 1000); err != nil && !errors.Is(err, unix.EINTR) {
				return fmt.Errorf("poll tun for write: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("write tun: %w", err)
		}
		return nil
	}
}

// Interrupt wakes a blocked ReadPacket, which then returns ErrInterrupted.
// It does nothing once the device is closed.
func (d *Device) Interrupt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(d.efd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("interrupt tun reader: %w", err)
	}
	return nil
}

// Close removes the policy rules and releases the interface.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	for _, r := range d.rules {
		if err := netlink.RuleDel(r); err != nil {
			errs = append(errs, fmt.Errorf("delete rule priority %d: %w", r.Priority, err))
		}
	}
	d.rules = nil
	if err := unix.Close(d.fd); err != nil {
		errs = append(errs, fmt.Errorf("close tun: %w", err))
	}
	if err := unix.Close(d.efd); err != nil {
		errs = append(errs, fmt.Errorf("close eventfd: %w", err))
	}
	// the numbers may be reused by unrelated files from now on
	d.fd, d.efd = -1, -1
	return errors.Join(errs...)
}

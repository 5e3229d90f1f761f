// Package proxy classifies DNS queries read from the tunnel device and either
// hands them to the event loop for forwarding or answers them locally.
package proxy

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/haukened/tunblock/internal/dns/common/log"
	"github.com/haukened/tunblock/internal/dns/common/metrics"
	"github.com/haukened/tunblock/internal/dns/domain"
	"github.com/haukened/tunblock/internal/dns/gateways/wire"
)

// DNSPort is the port queries are forwarded to.
const DNSPort = 53

// ErrPoolSaturated is returned by an EventLoop that has no free forwarding
// worker.
var ErrPoolSaturated = errors.New("forwarding pool saturated")

// Blocklist answers whether a canonical hostname is blocked.
type Blocklist interface {
	IsBlocked(host string) bool
}

// Forward is a packet to relay to an upstream resolver.
type Forward struct {
	// Request is the datagram read from the device. Replies are addressed
	// back to its source.
	Request  wire.Datagram
	Upstream netip.AddrPort
	Query    domain.Query
	// Probe marks an empty datagram that expects no reply.
	Probe bool
}

// EventLoop performs the I/O the proxy asks for.
type EventLoop interface {
	ForwardPacket(fwd Forward) error
	QueueDeviceWrite(packet []byte) error
}

type Options struct {
	Blocklist Blocklist
	// Upstreams are the real resolvers. The resolver at index i is reached
	// through the tunnel address whose last byte is i+2.
	Upstreams []netip.Addr
	Logger    log.Logger
}

// Proxy handles packets for one session. HandlePacket must be called from a
// single goroutine; HandleResponse may be called from any.
type Proxy struct {
	blocklist Blocklist
	upstreams []netip.Addr
	decoder   *wire.Decoder
	logger    log.Logger
}

func New(opts Options) *Proxy {
	if opts.Logger == nil {
		opts.Logger = log.GetLogger()
	}
	return &Proxy{
		blocklist: opts.Blocklist,
		upstreams: append([]netip.Addr(nil), opts.Upstreams...),
		decoder:   wire.NewDecoder(),
		logger:    log.With(opts.Logger, map[string]any{"component": "proxy"}),
	}
}

// HandlePacket processes one raw IP packet read from the device. Packets that
// cannot be handled are dropped and nil is returned; only event loop failures
// are reported.
func (p *Proxy) HandlePacket(raw []byte, loop EventLoop) error {
	dg, err := p.decoder.Decode(raw)
	if err != nil {
		p.drop(map[string]any{"error": err, "size": len(raw)}, "packet dropped")
		return nil
	}

	upstream, ok := p.upstreamFor(dg.Dst.Addr())
	if !ok {
		p.drop(map[string]any{"dst": dg.Dst.String()}, "no upstream for destination")
		return nil
	}

	if len(dg.Payload) == 0 {
		metrics.Queries.WithLabelValues(metrics.DecisionProbe).Inc()
		p.logger.Debug(map[string]any{"dst": dg.Dst.String()}, "forwarding empty datagram")
		return loop.ForwardPacket(Forward{Request: dg, Upstream: upstream, Probe: true})
	}

	msg, query, err := wire.ParseQuery(dg.Payload)
	if err != nil {
		p.drop(map[string]any{"error": err, "src": dg.Src.String()}, "dns message dropped")
		return nil
	}

	if !p.blocklist.IsBlocked(query.Name) {
		metrics.Queries.WithLabelValues(metrics.DecisionAllowed).Inc()
		p.logger.Debug(map[string]any{
			"name":     query.Name,
			"upstream": upstream.String(),
		}, "query allowed")
		return loop.ForwardPacket(Forward{Request: dg, Upstream: upstream, Query: query})
	}

	metrics.Queries.WithLabelValues(metrics.DecisionBlocked).Inc()
	p.logger.Info(map[string]any{"name": query.Name, "type": query.Type}, "query blocked")
	resp, err := wire.NXDomain(msg)
	if err != nil {
		p.drop(map[string]any{"error": err, "name": query.Name}, "cannot build blocked response")
		return nil
	}
	return p.HandleResponse(dg, resp, loop)
}

// HandleResponse wraps a DNS payload in a packet addressed back to the sender
// of req and queues it for the device.
func (p *Proxy) HandleResponse(req wire.Datagram, payload []byte, loop EventLoop) error {
	pkt, err := wire.BuildResponse(req, payload)
	if err != nil {
		p.logger.Warn(map[string]any{"error": err, "dst": req.Src.String()}, "cannot build response packet")
		return nil
	}
	if err := loop.QueueDeviceWrite(pkt); err != nil {
		return fmt.Errorf("queue response: %w", err)
	}
	return nil
}

// upstreamFor maps a tunnel DNS address to the real resolver behind it.
func (p *Proxy) upstreamFor(dst netip.Addr) (netip.AddrPort, bool) {
	if len(p.upstreams) == 0 {
		return netip.AddrPortFrom(dst, DNSPort), true
	}
	b := dst.AsSlice()
	if len(b) == 0 {
		return netip.AddrPort{}, false
	}
	idx := int(b[len(b)-1]) - 2
	if idx < 0 || idx >= len(p.upstreams) {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(p.upstreams[idx], DNSPort), true
}

func (p *Proxy) drop(fields map[string]any, msg string) {
	metrics.Queries.WithLabelValues(metrics.DecisionDropped).Inc()
	p.logger.Debug(fields, msg)
}

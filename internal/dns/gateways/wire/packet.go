// Package wire decodes and builds the IP/UDP packets that cross the tunnel
// device and the DNS messages they carry.
package wire

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	// ErrMalformedPacket marks a packet that claims a supported protocol but
	// cannot be decoded.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrUnsupportedPacket marks anything other than IPv4/IPv6 UDP.
	ErrUnsupportedPacket = errors.New("unsupported packet")
)

// DefaultTTL is the hop limit stamped on packets written back to the device.
const DefaultTTL = 64

// Datagram is a UDP datagram lifted out of an IP packet.
type Datagram struct {
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}

// Decoder parses raw IP packets. It reuses its layers between calls and is
// not safe for concurrent use.
type Decoder struct {
	ip4     layers.IPv4
	ip6     layers.IPv6
	udp     layers.UDP
	parser4 *gopacket.DecodingLayerParser
	parser6 *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewDecoder returns a Decoder for packets without link-layer framing.
func NewDecoder() *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 2)}
	d.parser4 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &d.ip4, &d.udp)
	d.parser4.IgnoreUnsupported = true
	d.parser6 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, &d.ip6, &d.udp)
	d.parser6.IgnoreUnsupported = true
	return d
}

// Decode extracts the UDP datagram from raw. The payload is copied, so raw
// may be reused once Decode returns.
func (d *Decoder) Decode(raw []byte) (Datagram, error) {
	if len(raw) == 0 {
		return Datagram{}, fmt.Errorf("%w: empty packet", ErrMalformedPacket)
	}

	var parser *gopacket.DecodingLayerParser
	switch raw[0] >> 4 {
	case 4:
		parser = d.parser4
	case 6:
		parser = d.parser6
	default:
		return Datagram{}, fmt.Errorf("%w: ip version %d", ErrUnsupportedPacket, raw[0]>>4)
	}

	if err := parser.DecodeLayers(raw, &d.decoded); err != nil {
		return Datagram{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	var src, dst netip.Addr
	gotUDP := false
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			src, _ = netip.AddrFromSlice(d.ip4.SrcIP)
			dst, _ = netip.AddrFromSlice(d.ip4.DstIP)
		case layers.LayerTypeIPv6:
			src, _ = netip.AddrFromSlice(d.ip6.SrcIP)
			dst, _ = netip.AddrFromSlice(d.ip6.DstIP)
		case layers.LayerTypeUDP:
			gotUDP = true
		}
	}
	if !gotUDP {
		return Datagram{}, fmt.Errorf("%w: not udp", ErrUnsupportedPacket)
	}

	return Datagram{
		Src:     netip.AddrPortFrom(src.Unmap(), uint16(d.udp.SrcPort)),
		Dst:     netip.AddrPortFrom(dst.Unmap(), uint16(d.udp.DstPort)),
		Payload: append([]byte(nil), d.udp.Payload...),
	}, nil
}

// Encode serializes dg as an IP/UDP packet with lengths and checksums filled in.
func Encode(dg Datagram) ([]byte, error) {
	src, dst := dg.Src.Addr().Unmap(), dg.Dst.Addr().Unmap()
	if src.Is4() != dst.Is4() {
		return nil, fmt.Errorf("mixed address families %s -> %s", src, dst)
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(dg.Src.Port()),
		DstPort: layers.UDPPort(dg.Dst.Port()),
	}
	var ip gopacket.SerializableLayer
	if src.Is4() {
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      DefaultTTL,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src.AsSlice(),
			DstIP:    dst.AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip4); err != nil {
			return nil, err
		}
		ip = ip4
	} else {
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   DefaultTTL,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      src.AsSlice(),
			DstIP:      dst.AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip6); err != nil {
			return nil, err
		}
		ip = ip6
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(dg.Payload)); err != nil {
		return nil, fmt.Errorf("serialize packet: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildResponse wraps payload in a packet travelling back to the sender of req.
func BuildResponse(req Datagram, payload []byte) ([]byte, error) {
	return Encode(Datagram{Src: req.Dst, Dst: req.Src, Payload: payload})
}

package proxy

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/tunblock/internal/dns/common/log"
	"github.com/haukened/tunblock/internal/dns/common/metrics"
	"github.com/haukened/tunblock/internal/dns/gateways/wire"
)

type fakeBlocklist map[string]bool

func (f fakeBlocklist) IsBlocked(host string) bool { return f[host] }

type fakeLoop struct {
	mu         sync.Mutex
	forwards   []Forward
	writes     [][]byte
	forwardErr error
	writeErr   error
}

func (l *fakeLoop) ForwardPacket(fwd Forward) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.forwardErr != nil {
		return l.forwardErr
	}
	l.forwards = append(l.forwards, fwd)
	return nil
}

func (l *fakeLoop) QueueDeviceWrite(pkt []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	l.writes = append(l.writes, pkt)
	return nil
}

var (
	client   = netip.MustParseAddrPort("192.168.50.1:41000")
	tunnelNS = netip.MustParseAddrPort("192.168.50.2:53")
	client6  = netip.MustParseAddrPort("[fd00:1:fd00:1:fd00:1:fd00:1]:41000")
	tunnel6  = netip.MustParseAddrPort("[fd00:1:fd00:1:fd00:1:fd00:3]:53")
	resolver = netip.MustParseAddr("9.9.9.9")
	second   = netip.MustParseAddr("2620:fe::fe")
)

func query(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = id
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func packet(t *testing.T, src, dst netip.AddrPort, payload []byte) []byte {
	t.Helper()
	raw, err := wire.Encode(wire.Datagram{Src: src, Dst: dst, Payload: payload})
	require.NoError(t, err)
	return raw
}

func newProxy(blocked fakeBlocklist, upstreams ...netip.Addr) *Proxy {
	return New(Options{Blocklist: blocked, Upstreams: upstreams, Logger: log.NewNoopLogger()})
}

func TestHandlePacket_BlockedAnsweredWithNXDomain(t *testing.T) {
	p := newProxy(fakeBlocklist{"example.com": true}, resolver)
	loop := &fakeLoop{}
	before := testutil.ToFloat64(metrics.Queries.WithLabelValues(metrics.DecisionBlocked))

	require.NoError(t, p.HandlePacket(packet(t, client, tunnelNS, query(t, 0x1234, "Example.COM")), loop))

	assert.Empty(t, loop.forwards)
	require.Len(t, loop.writes, 1)
	dg, err := wire.NewDecoder().Decode(loop.writes[0])
	require.NoError(t, err)
	assert.Equal(t, tunnelNS, dg.Src)
	assert.Equal(t, client, dg.Dst)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(dg.Payload))
	assert.True(t, resp.Response)
	assert.Equal(t, uint16(0x1234), resp.Id)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Empty(t, resp.Answer)
	assert.Empty(t, resp.Ns)
	assert.Empty(t, resp.Extra)
	require.Len(t, resp.Question, 1)
	assert.Equal(t, "Example.COM.", resp.Question[0].Name)

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Queries.WithLabelValues(metrics.DecisionBlocked)))
}

func TestHandlePacket_AllowedForwardedVerbatim(t *testing.T) {
	p := newProxy(fakeBlocklist{"example.com": true}, resolver)
	loop := &fakeLoop{}
	payload := query(t, 7, "allowed.com")

	require.NoError(t, p.HandlePacket(packet(t, client, tunnelNS, payload), loop))

	require.Len(t, loop.forwards, 1)
	fwd := loop.forwards[0]
	assert.False(t, fwd.Probe)
	assert.Equal(t, netip.AddrPortFrom(resolver, 53), fwd.Upstream)
	assert.Equal(t, payload, fwd.Request.Payload)
	assert.Equal(t, "allowed.com", fwd.Query.Name)
	assert.Empty(t, loop.writes)

	reply := []byte("upstream reply bytes")
	require.NoError(t, p.HandleResponse(fwd.Request, reply, loop))
	require.Len(t, loop.writes, 1)
	dg, err := wire.NewDecoder().Decode(loop.writes[0])
	require.NoError(t, err)
	assert.Equal(t, tunnelNS, dg.Src)
	assert.Equal(t, client, dg.Dst)
	assert.Equal(t, reply, dg.Payload)
}

func TestHandlePacket_UpstreamIndex(t *testing.T) {
	tests := []struct {
		name      string
		dst       netip.AddrPort
		src       netip.AddrPort
		upstreams []netip.Addr
		want      netip.AddrPort
		dropped   bool
	}{
		{"first resolver", tunnelNS, client, []netip.Addr{resolver, second}, netip.AddrPortFrom(resolver, 53), false},
		{"second resolver over v6", tunnel6, client6, []netip.Addr{resolver, second}, netip.AddrPortFrom(second, 53), false},
		{"index past the end", tunnel6, client6, []netip.Addr{resolver}, netip.AddrPort{}, true},
		{"below the first index", netip.MustParseAddrPort("192.168.50.1:53"), client, []netip.Addr{resolver}, netip.AddrPort{}, true},
		{"no upstreams uses destination", netip.MustParseAddrPort("1.1.1.1:53"), client, nil, netip.MustParseAddrPort("1.1.1.1:53"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProxy(fakeBlocklist{}, tt.upstreams...)
			loop := &fakeLoop{}
			require.NoError(t, p.HandlePacket(packet(t, tt.src, tt.dst, query(t, 1, "ok.test")), loop))
			if tt.dropped {
				assert.Empty(t, loop.forwards)
				assert.Empty(t, loop.writes)
				return
			}
			require.Len(t, loop.forwards, 1)
			assert.Equal(t, tt.want, loop.forwards[0].Upstream)
		})
	}
}

func TestHandlePacket_EmptyPayloadIsProbe(t *testing.T) {
	p := newProxy(fakeBlocklist{}, resolver)
	loop := &fakeLoop{}

	require.NoError(t, p.HandlePacket(packet(t, client, tunnelNS, nil), loop))
	require.Len(t, loop.forwards, 1)
	assert.True(t, loop.forwards[0].Probe)
	assert.Empty(t, loop.forwards[0].Request.Payload)
	assert.Equal(t, netip.AddrPortFrom(resolver, 53), loop.forwards[0].Upstream)
}

func TestHandlePacket_Drops(t *testing.T) {
	noQuestion, err := (&dns.Msg{MsgHdr: dns.MsgHdr{Id: 9}}).Pack()
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  []byte
	}{
		{"not ip", []byte{0x00, 0x01, 0x02}},
		{"truncated ipv4", []byte{0x45, 0x00}},
		{"garbage dns", packet(t, client, tunnelNS, []byte{0xff, 0x00, 0x13})},
		{"no question", packet(t, client, tunnelNS, noQuestion)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProxy(fakeBlocklist{}, resolver)
			loop := &fakeLoop{}
			before := testutil.ToFloat64(metrics.Queries.WithLabelValues(metrics.DecisionDropped))

			assert.NoError(t, p.HandlePacket(tt.raw, loop))
			assert.Empty(t, loop.forwards)
			assert.Empty(t, loop.writes)
			assert.Equal(t, before+1, testutil.ToFloat64(metrics.Queries.WithLabelValues(metrics.DecisionDropped)))
		})
	}
}

func TestHandlePacket_LoopErrorsPropagate(t *testing.T) {
	p := newProxy(fakeBlocklist{"ads.test": true}, resolver)

	loop := &fakeLoop{forwardErr: ErrPoolSaturated}
	err := p.HandlePacket(packet(t, client, tunnelNS, query(t, 1, "fine.test")), loop)
	assert.ErrorIs(t, err, ErrPoolSaturated)

	loop = &fakeLoop{writeErr: errors.New("device gone")}
	err = p.HandlePacket(packet(t, client, tunnelNS, query(t, 1, "ads.test")), loop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device gone")
}

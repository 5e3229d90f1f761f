package wire

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = 0xbeef
	m.SetEdns0(1232, false)
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func TestParseQuery(t *testing.T) {
	msg, q, err := ParseQuery(packQuery(t, "Ads.Example.COM", dns.TypeAAAA))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, uint16(0xbeef), q.ID)
	assert.Equal(t, "ads.example.com", q.Name)
	assert.Equal(t, dns.TypeAAAA, q.Type)
	assert.Equal(t, uint16(dns.ClassINET), q.Class)
}

func TestParseQuery_Malformed(t *testing.T) {
	_, _, err := ParseQuery([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestParseQuery_NoQuestion(t *testing.T) {
	m := new(dns.Msg)
	m.Id = 7
	b, err := m.Pack()
	require.NoError(t, err)

	msg, q, err := ParseQuery(b)
	assert.ErrorIs(t, err, ErrNoQuestion)
	assert.NotNil(t, msg)
	assert.Equal(t, uint16(7), q.ID)
}

func TestNXDomain(t *testing.T) {
	req, _, err := ParseQuery(packQuery(t, "example.com", dns.TypeA))
	require.NoError(t, err)

	b, err := NXDomain(req)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(b))
	assert.Equal(t, req.Id, resp.Id)
	assert.True(t, resp.Response)
	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	assert.Equal(t, req.Question, resp.Question)
	assert.Empty(t, resp.Answer)
	assert.Empty(t, resp.Ns)
	assert.Empty(t, resp.Extra, "request OPT is not echoed")
	assert.True(t, resp.RecursionDesired)
}

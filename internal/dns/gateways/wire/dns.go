package wire

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"

	"github.com/haukened/tunblock/internal/dns/common/utils"
	"github.com/haukened/tunblock/internal/dns/domain"
)

// ErrNoQuestion is returned for DNS messages with an empty question section.
var ErrNoQuestion = errors.New("dns message has no question")

// ParseQuery unpacks a DNS request and describes its first question.
func ParseQuery(payload []byte) (*dns.Msg, domain.Query, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return nil, domain.Query{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if len(msg.Question) == 0 {
		return msg, domain.Query{ID: msg.Id}, ErrNoQuestion
	}
	q := msg.Question[0]
	return msg, domain.Query{
		ID:    msg.Id,
		Name:  utils.CanonicalDNSName(q.Name),
		Type:  q.Qtype,
		Class: q.Qclass,
	}, nil
}

// NXDomain builds the negative answer for a blocked request: same ID, opcode
// and questions, QR and RCODE=NXDOMAIN set, and no records in any section.
func NXDomain(req *dns.Msg) ([]byte, error) {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeNameError)
	resp.Question = append([]dns.Question(nil), req.Question...)
	resp.RecursionAvailable = true
	b, err := resp.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack nxdomain: %w", err)
	}
	return b, nil
}

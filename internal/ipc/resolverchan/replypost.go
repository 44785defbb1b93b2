package resolverchan

import (
	"github.com/unwindfront/unwindfront/internal/constants"
	"github.com/unwindfront/unwindfront/internal/dnsutil"
	"github.com/unwindfront/unwindfront/internal/pending"

	"github.com/miekg/dns"
)

var consts = constants.Get()

// tcpMaxReplySize is UINT16_MAX per spec.md 4.5.1: TCP replies are only bounded by the 2-byte length
// prefix, not by any EDNS budget.
const tcpMaxReplySize = 65535

// PostProcess implements spec.md 4.5.1. It is called once a pending query's answer buffer is
// complete (or a failure forced early completion) and returns the bytes to write back to the
// client, replacing the query's ABuf entirely: the resolver's wire reply is parsed, trimmed to the
// client's bailiwick, and re-encoded with the client's original id, transport size budget, and DO
// bit so the resolver's choices about compression, ordering or id are never visible to the client.
func PostProcess(q *pending.Query, bogus, srvfail bool) ([]byte, error) {
	if srvfail || (bogus && !q.QMsg.CheckingDisabled) {
		return encodeError(q, dns.RcodeServerFailure)
	}

	resolverReply := &dns.Msg{}
	if err := resolverReply.Unpack(q.ABuf); err != nil {
		return encodeError(q, dns.RcodeServerFailure)
	}

	reply := &dns.Msg{}
	reply.Id = q.QMsg.Id
	reply.Response = true
	reply.Opcode = dns.OpcodeQuery
	reply.Authoritative = resolverReply.Authoritative
	reply.RecursionDesired = q.QMsg.RecursionDesired
	reply.RecursionAvailable = resolverReply.RecursionAvailable
	reply.AuthenticatedData = resolverReply.AuthenticatedData
	reply.CheckingDisabled = q.QMsg.CheckingDisabled
	reply.Rcode = resolverReply.Rcode
	reply.Question = []dns.Question{{Name: dns.Fqdn(q.QInfo.QName), Qtype: q.QInfo.QType, Qclass: q.QInfo.QClass}}
	reply.Answer = resolverReply.Answer
	reply.Ns = resolverReply.Ns
	reply.Extra = resolverReply.Extra

	dnsutil.MinimizeAnswer(reply, q.QInfo.QName)

	maxSize := tcpMaxReplySize
	if q.Transport == pending.UDP {
		maxSize = int(defaultUDPSize(q))
	}

	if q.EDNS.Present {
		opt := dnsutil.FindOPT(reply)
		if opt == nil {
			opt = dnsutil.NewOPT()
			reply.Extra = append(reply.Extra, opt)
		}
		opt.SetUDPSize(uint16(maxSize))
		opt.SetDo(q.EDNS.DO)
	}

	reply.Truncate(maxSize)

	return reply.Pack()
}

func defaultUDPSize(q *pending.Query) uint16 {
	if q.EDNS.Present && q.EDNS.UDPSize > 0 {
		return q.EDNS.UDPSize
	}
	return uint16(consts.DefaultUDPPayloadSize)
}

// encodeError builds a minimal reply carrying only rcode, matching the client's id and question, for
// the SERVFAIL paths of spec.md 4.5.
func encodeError(q *pending.Query, rcode int) ([]byte, error) {
	reply := &dns.Msg{}
	reply.Id = q.QMsg.Id
	reply.Response = true
	reply.Opcode = dns.OpcodeQuery
	reply.RecursionDesired = q.QMsg.RecursionDesired
	reply.CheckingDisabled = q.QMsg.CheckingDisabled
	reply.Rcode = rcode
	if q.QInfo.QName != "" {
		reply.Question = []dns.Question{{Name: dns.Fqdn(q.QInfo.QName), Qtype: q.QInfo.QType, Qclass: q.QInfo.QClass}}
	}

	return reply.Pack()
}

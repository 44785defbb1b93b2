/*
Package wireguard implements the inbound query screening of spec.md 4.1 ("check_query"). It is the
only place untrusted wire bytes are interpreted before a PendingQuery is created, so it is
deliberately narrow: classify, don't resolve.

The guard runs in two stages. The first stage reads only the fixed 12-byte header - deliberately
not calling into github.com/miekg/dns yet - so a message that is too short, has QR or TC set, has
RD clear, carries a non-QUERY opcode or fails the section-count rule is classified without the
parser ever seeing it. The second stage unpacks the full message, rejecting anything that does not
parse to exactly one question, and screens the question section.
*/
package wireguard

import (
	"encoding/binary"

	"github.com/unwindfront/unwindfront/internal/constants"

	"github.com/miekg/dns"
)

var consts = constants.Get()

// Disposition is the outcome of Check: the accept/reject/drop of spec.md 4.1, plus ServeLocal.
type Disposition int

const (
	Accept      Disposition = iota // Forward to the resolver
	Reject                         // Return Rcode to the client, do not forward
	Drop                           // Send nothing at all
	ServeLocal                     // Answer directly (e.g. CH version.bind. TXT), do not forward
)

// Verdict is the result of Check.
type Verdict struct {
	Disposition Disposition
	Rcode       int
	Query       *dns.Msg // Populated whenever the message parsed far enough to have a question
	Reason      string   // Short machine-readable tag, for logging only
}

// Meta query types that have no place in an ordinary recursive query (spec.md 4.1).
const (
	typeMAILB = 253
	typeMAILA = 254
)

func isMetaQType(t uint16) bool {
	switch t {
	case dns.TypeOPT, dns.TypeTSIG, dns.TypeTKEY, typeMAILA, typeMAILB:
		return true
	}
	return t >= 128 && t <= 248
}

type wireHeader struct {
	qr      bool
	opcode  int
	tc      bool
	rd      bool
	qdcount uint16
	ancount uint16
	nscount uint16
	arcount uint16
}

// decodeHeader reads the fixed 12-byte DNS header without unpacking the rest of the message. raw
// must be at least 12 bytes; callers check this first.
func decodeHeader(raw []byte) wireHeader {
	flags := binary.BigEndian.Uint16(raw[2:4])
	return wireHeader{
		qr:      flags&0x8000 != 0,
		opcode:  int(flags>>11) & 0xF,
		tc:      flags&0x0200 != 0,
		rd:      flags&0x0100 != 0,
		qdcount: binary.BigEndian.Uint16(raw[4:6]),
		ancount: binary.BigEndian.Uint16(raw[6:8]),
		nscount: binary.BigEndian.Uint16(raw[8:10]),
		arcount: binary.BigEndian.Uint16(raw[10:12]),
	}
}

// IsBlocklisted is supplied by the caller so this package has no dependency on how the blocklist is
// stored; it is handed the already-lowercased-by-nobody FQDN exactly as it appears in the question
// section and must do its own case folding.
type IsBlocklisted func(fqdn string) bool

// Check runs the full screening pipeline of spec.md 4.1 over one inbound datagram or TCP request
// body. blocklisted may be nil, in which case no query is ever treated as blocklisted.
func Check(raw []byte, blocklisted IsBlocklisted) Verdict {
	if len(raw) < int(consts.MinimumViableDNSMessage) {
		return Verdict{Disposition: Drop, Reason: "short"}
	}

	hdr := decodeHeader(raw)

	if hdr.qr {
		return Verdict{Disposition: Drop, Reason: "qr-set"}
	}
	if hdr.tc {
		return Verdict{Disposition: Reject, Rcode: dns.RcodeFormatError, Reason: "tc-set"}
	}
	if !hdr.rd {
		return Verdict{Disposition: Reject, Rcode: dns.RcodeRefused, Reason: "rd-clear"}
	}
	if hdr.opcode != dns.OpcodeQuery {
		return Verdict{Disposition: Reject, Rcode: dns.RcodeNotImplemented, Reason: "opcode"}
	}
	if hdr.qdcount != 1 && hdr.ancount != 0 && hdr.nscount != 0 && hdr.arcount > 1 {
		return Verdict{Disposition: Reject, Rcode: dns.RcodeFormatError, Reason: "section-counts"}
	}

	msg := &dns.Msg{}
	if err := msg.Unpack(raw); err != nil || len(msg.Question) != 1 {
		return Verdict{Disposition: Reject, Rcode: dns.RcodeFormatError, Reason: "unparseable"}
	}

	q := msg.Question[0]
	if _, ok := dns.IsDomainName(q.Name); !ok {
		return Verdict{Disposition: Reject, Rcode: dns.RcodeFormatError, Query: msg, Reason: "bad-qname"}
	}

	switch q.Qtype {
	case dns.TypeAXFR, dns.TypeIXFR:
		return Verdict{Disposition: Reject, Rcode: dns.RcodeRefused, Query: msg, Reason: "zone-transfer"}
	}
	if isMetaQType(q.Qtype) {
		return Verdict{Disposition: Reject, Rcode: dns.RcodeFormatError, Query: msg, Reason: "meta-qtype"}
	}

	if q.Qclass == dns.ClassCHAOS {
		if q.Qtype == dns.TypeTXT && (q.Name == consts.VersionBindName || q.Name == consts.VersionServerName) {
			return Verdict{Disposition: ServeLocal, Query: msg, Reason: "chaos-version"}
		}
		return Verdict{Disposition: Reject, Rcode: dns.RcodeRefused, Query: msg, Reason: "chaos-class"}
	}

	if blocklisted != nil && blocklisted(q.Name) {
		return Verdict{Disposition: Reject, Rcode: dns.RcodeRefused, Query: msg, Reason: "blocklisted"}
	}

	return Verdict{Disposition: Accept, Query: msg}
}

// VersionReply builds the literal CH TXT answer for a ServeLocal-dispositioned version query,
// matching the client's original header id and question exactly.
func VersionReply(query *dns.Msg) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Authoritative = false
	txt := &dns.TXT{
		Hdr: dns.RR_Header{Name: query.Question[0].Name, Rrtype: dns.TypeTXT,
			Class: dns.ClassCHAOS, Ttl: 0},
		Txt: []string{consts.VersionQueryValue},
	}
	reply.Answer = append(reply.Answer, txt)

	return reply
}

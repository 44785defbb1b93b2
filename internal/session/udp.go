package session

import (
	"net"

	"github.com/unwindfront/unwindfront/internal/constants"
	"github.com/unwindfront/unwindfront/internal/dnsutil"
	"github.com/unwindfront/unwindfront/internal/ipc/resolverchan"
	"github.com/unwindfront/unwindfront/internal/pending"
	"github.com/unwindfront/unwindfront/internal/wireguard"

	"github.com/miekg/dns"
)

var consts = constants.Get()

// ServeUDP implements spec.md 4.3: it blocks reading datagrams from pc, one per iteration, until pc
// is closed. Each datagram is handled inline rather than handed to a worker pool - the per-query work
// is a handful of map operations and one outbound IPC write, cheap enough that a dedicated pool would
// only add complexity for no measurable benefit at this traffic class.
func (f *Front) ServeUDP(pc net.PacketConn) error {
	buf := make([]byte, consts.MaxUDPDatagram)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return err
		}
		datagram := append([]byte(nil), buf[:n]...)
		f.handleUDPDatagram(pc, from, datagram)
	}
}

func (f *Front) handleUDPDatagram(pc net.PacketConn, from net.Addr, raw []byte) {
	f.bumpUDPQuery()
	verdict := wireguard.Check(raw, f.blocklist.Contains)
	if f.LogClientIn || f.debugMatches(verdict) {
		f.logf("QI:udp %s %s", from, queryLogLine(verdict))
	}

	switch verdict.Disposition {
	case wireguard.Drop:
		f.bumpDrop()

	case wireguard.Reject:
		f.bumpReject()
		if reply := buildRejectReply(raw, verdict); reply != nil {
			f.logClientOut("udp", from, reply)
			pc.WriteTo(reply, from)
		}

	case wireguard.ServeLocal:
		f.bumpServedLocal()
		reply := wireguard.VersionReply(verdict.Query)
		if out, err := reply.Pack(); err == nil {
			f.logClientOut("udp", from, out)
			pc.WriteTo(out, from)
		}

	case wireguard.Accept:
		f.forwardQuery(pending.NewUDP(from, pc, raw), verdict.Query)
	}
}

func (f *Front) logClientOut(transport string, to net.Addr, reply []byte) {
	m := new(dns.Msg)
	if err := m.Unpack(reply); err != nil {
		if f.LogClientOut {
			f.logf("QO:%s %s %d bytes, unparseable", transport, to, len(reply))
		}
		return
	}
	if !f.LogClientOut && !f.debugMatchesQName(m) {
		return
	}
	f.logf("QO:%s %s %s", transport, to, dnsutil.CompactMsgString(m))
}

// debugMatches reports whether v's question name is in DebugQNames, forcing a log line even with
// LogClientIn off.
func (f *Front) debugMatches(v wireguard.Verdict) bool {
	if len(f.DebugQNames) == 0 || v.Query == nil {
		return false
	}
	return f.debugMatchesQName(v.Query)
}

func (f *Front) debugMatchesQName(m *dns.Msg) bool {
	if len(f.DebugQNames) == 0 || len(m.Question) == 0 {
		return false
	}
	return f.DebugQNames[dns.Fqdn(m.Question[0].Name)]
}

// queryLogLine renders the short per-query line written by LogClientIn: the full compact message
// once the screening pipeline has parsed one, or the bare rejection tag otherwise (spec.md 4.1's
// "short"/"qr-set" cases never unpack far enough to have a Query).
func queryLogLine(v wireguard.Verdict) string {
	if v.Query != nil {
		return dnsutil.CompactMsgString(v.Query)
	}
	return v.Reason
}

// forwardQuery populates a freshly created PendingQuery from the parsed client message, inserts it
// into the table, and forwards the recursion request to the resolver.
func (f *Front) forwardQuery(q *pending.Query, msg *dns.Msg) {
	q.QInfo = pending.QuestionInfo{
		QName:  msg.Question[0].Name,
		QType:  msg.Question[0].Qtype,
		QClass: msg.Question[0].Qclass,
	}
	q.QMsg = msg.MsgHdr
	if opt := dnsutil.FindOPT(msg); opt != nil {
		q.EDNS = pending.EDNSInfo{Present: true, UDPSize: opt.UDPSize(), DO: opt.Do(), Version: opt.Version()}
	}

	if err := f.pending.Insert(q); err != nil {
		f.logf("QE:pending table insert failed: %s", err)
		return
	}
	f.inFlight.Add()

	err := f.resolver.SendQuery(resolverchan.Query{ID: q.ID, QName: q.QInfo.QName, QType: q.QInfo.QType, QClass: q.QInfo.QClass})
	if err != nil {
		f.logf("QE:resolver send failed: %s", err)
		if q.TryRelease() {
			f.pending.Remove(q)
			f.inFlight.Done()
			q.Finish()
		}
	}
}

// buildRejectReply constructs the minimal error reply for a Reject verdict, preferring the parsed
// question (so the client's qname/qtype round-trip) when the message parsed far enough to have one,
// and otherwise building from the raw 12-byte header alone.
func buildRejectReply(raw []byte, v wireguard.Verdict) []byte {
	reply := new(dns.Msg)
	reply.Response = true
	reply.Opcode = dns.OpcodeQuery
	reply.Rcode = v.Rcode
	if v.Query != nil {
		reply.Id = v.Query.Id
		reply.RecursionDesired = v.Query.RecursionDesired
		if len(v.Query.Question) > 0 {
			reply.Question = v.Query.Question
		}
	} else if len(raw) >= 2 {
		reply.Id = uint16(raw[0])<<8 | uint16(raw[1])
	}

	out, err := reply.Pack()
	if err != nil {
		return nil
	}
	return out
}

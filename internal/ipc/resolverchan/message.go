/*
Package resolverchan implements the typed message IPC described in spec.md 4.5: queries and
trust-anchor/control traffic flow to the resolver process, chunked answers and trust-anchor updates
flow back. The wire framing is the shared internal/ipc/frame envelope; this file owns the payload
encoding for each message kind.
*/
package resolverchan

import (
	"encoding/binary"
	"errors"
	"net"

	"github.com/unwindfront/unwindfront/internal/ipc/frame"
)

// Outbound message kinds (front-end to resolver).
const (
	KindQuery frame.Kind = iota + 1
	KindNewTA
	KindNewTAsDone
	KindNewTAsAbort
	KindReplaceDNS
	KindNetworkChanged
	KindControl // CTL_* relay, opaque payload
)

// Inbound message kinds (resolver to front-end) share the control/trust-anchor kinds above; ANSWER
// is resolver-to-frontend only.
const (
	KindAnswer frame.Kind = iota + 64
)

var errShortPayload = errors.New("resolverchan: payload too short")

// Query is the QUERY{id, qname, qtype, qclass} outbound message.
type Query struct {
	ID     uint64
	QName  string // Already-rendered FQDN, <= 255 bytes
	QType  uint16
	QClass uint16
}

func encodeQuery(q Query) []byte {
	b := make([]byte, 8+2+2+1+len(q.QName))
	binary.BigEndian.PutUint64(b[0:8], q.ID)
	binary.BigEndian.PutUint16(b[8:10], q.QType)
	binary.BigEndian.PutUint16(b[10:12], q.QClass)
	b[12] = byte(len(q.QName))
	copy(b[13:], q.QName)
	return b
}

func decodeQuery(b []byte) (Query, error) {
	if len(b) < 13 {
		return Query{}, errShortPayload
	}
	n := int(b[12])
	if len(b) < 13+n {
		return Query{}, errShortPayload
	}
	return Query{
		ID:     binary.BigEndian.Uint64(b[0:8]),
		QType:  binary.BigEndian.Uint16(b[8:10]),
		QClass: binary.BigEndian.Uint16(b[10:12]),
		QName:  string(b[13 : 13+n]),
	}, nil
}

// ReplaceDNS is the REPLACE_DNS{if_index, src, rtdns} outbound message (spec.md 4.9's translation of
// a routing-socket RTM_PROPOSAL into a resolver notification). RTA_DNS can carry more than one
// resolver address in a single sockaddr_rtdns, so RTDNS is every address the proposal carried, not
// just the first.
type ReplaceDNS struct {
	IfIndex int32
	Src     net.IP
	RTDNS   []net.IP
}

func encodeReplaceDNS(r ReplaceDNS) []byte {
	src := r.Src.To16()
	size := 4 + 1 + len(src) + 1
	for _, a := range r.RTDNS {
		size += 1 + len(a.To16())
	}

	b := make([]byte, size)
	binary.BigEndian.PutUint32(b[0:4], uint32(r.IfIndex))
	b[4] = byte(len(src))
	copy(b[5:], src)
	off := 5 + len(src)

	b[off] = byte(len(r.RTDNS))
	off++
	for _, a := range r.RTDNS {
		ip := a.To16()
		b[off] = byte(len(ip))
		off++
		copy(b[off:], ip)
		off += len(ip)
	}
	return b
}

func decodeReplaceDNS(b []byte) (ReplaceDNS, error) {
	if len(b) < 5 {
		return ReplaceDNS{}, errShortPayload
	}
	ifIndex := int32(binary.BigEndian.Uint32(b[0:4]))
	srcLen := int(b[4])
	if len(b) < 5+srcLen+1 {
		return ReplaceDNS{}, errShortPayload
	}
	src := net.IP(append([]byte(nil), b[5:5+srcLen]...))
	off := 5 + srcLen

	count := int(b[off])
	off++
	rtdns := make([]net.IP, 0, count)
	for i := 0; i < count; i++ {
		if off >= len(b) {
			return ReplaceDNS{}, errShortPayload
		}
		n := int(b[off])
		off++
		if len(b) < off+n {
			return ReplaceDNS{}, errShortPayload
		}
		rtdns = append(rtdns, net.IP(append([]byte(nil), b[off:off+n]...)))
		off += n
	}
	return ReplaceDNS{IfIndex: ifIndex, Src: src, RTDNS: rtdns}, nil
}

// Answer is the ANSWER{header, bytes} inbound message of spec.md 4.5.
type Answer struct {
	ID        uint64
	AnswerLen uint32
	Bogus     bool
	SrvFail   bool
	Chunk     []byte
}

func decodeAnswer(b []byte) (Answer, error) {
	if len(b) < 14 {
		return Answer{}, errShortPayload
	}
	a := Answer{
		ID:        binary.BigEndian.Uint64(b[0:8]),
		AnswerLen: binary.BigEndian.Uint32(b[8:12]),
		Bogus:     b[12] != 0,
		SrvFail:   b[13] != 0,
	}
	a.Chunk = append([]byte(nil), b[14:]...)
	return a, nil
}

func encodeAnswer(a Answer) []byte {
	b := make([]byte, 14+len(a.Chunk))
	binary.BigEndian.PutUint64(b[0:8], a.ID)
	binary.BigEndian.PutUint32(b[8:12], a.AnswerLen)
	if a.Bogus {
		b[12] = 1
	}
	if a.SrvFail {
		b[13] = 1
	}
	copy(b[14:], a.Chunk)
	return b
}

/*
Package routewatch implements the routing-socket watcher of spec.md 4.9: it reads whole rt_msghdr
records off an inherited AF_ROUTE socket and turns the handful of message kinds the front-end cares
about - interface announce, interface info, and OpenBSD's RTM_PROPOSAL DNS-server proposal - into
REPLACE_DNS/NETWORK_CHANGED notifications on the resolver channel.

The struct layouts decoded here follow OpenBSD's sys/net/route.h and sys/net/if.h. golang.org/x/net/route
has no notion of RTM_PROPOSAL or its RTA_DNS sockaddr extension - both are OpenBSD additions made for
unwind itself - so this package decodes the few fields spec.md 4.9 needs directly off the wire rather
than going through that package's generic RIB parser, which only understands the message kinds common
to every BSD.
*/
package routewatch

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/unwindfront/unwindfront/internal/ipc/resolverchan"
)

const (
	maxMessage = 16 * 1024 // spec.md 4.9 "bounded 16 KiB buffer"

	// wireVersion is the RTM_VERSION this decoder understands; a routing socket that advances its
	// ABI bumps this, and spec.md 4.9 requires such messages be silently skipped rather than
	// misparsed.
	wireVersion = 5

	// Message types from OpenBSD's sys/net/route.h.
	rtmIfInfo     = 0x0e
	rtmIfAnnounce = 0x0f
	rtmProposal   = 0x13

	// Address slot bits from sys/net/route.h, in the ascending order the kernel packs them after
	// the header. RTA_DNS is unwind's own addition occupying the next free bit.
	rtaDst     = 0x0001
	rtaGateway = 0x0002
	rtaNetmask = 0x0004
	rtaGenmask = 0x0008
	rtaIfp     = 0x0010
	rtaIfa     = 0x0020
	rtaAuthor  = 0x0040
	rtaBrd     = 0x0080
	rtaSrc     = 0x0100
	rtaSrcmask = 0x0200
	rtaLabel   = 0x0400
	rtaBfd     = 0x0800
	rtaDns     = 0x1000

	ifanArrival = 0 // sys/net/if.h IFAN_ARRIVAL

	sockaddrRound = 8 // sockaddr blocks are padded to sizeof(long) on openbsd/amd64

	ipv4Len = 4
	ipv6Len = 16
)

// rtaPrecedingDNS lists every address slot the kernel may pack before RTA_DNS, in wire order, so
// dispatchProposal can skip past whichever of them are present to find RTA_DNS's payload.
var rtaPrecedingDNS = []int{
	rtaDst, rtaGateway, rtaNetmask, rtaGenmask, rtaIfp, rtaIfa,
	rtaAuthor, rtaBrd, rtaSrc, rtaSrcmask, rtaLabel, rtaBfd,
}

type stats struct {
	dispatched   int
	shortReads   int
	versionSkips int
	badProposals int
}

// Watcher owns the read side of a routing socket.
type Watcher struct {
	r io.Reader

	mu sync.Mutex
	stats
}

// New wraps r - normally an *os.File dup'd from the inherited ROUTESOCK fd - as a route watcher.
func New(r io.Reader) *Watcher {
	return &Watcher{r: r}
}

// Run reads and dispatches route messages until r returns an error. Per spec.md 7's "IPC peer
// closed: detach event, exit loop", a closed routing socket is equally fatal here; the caller is
// expected to treat Run's return as ending the process's event loop, not something to retry.
func (w *Watcher) Run(resolver *resolverchan.Channel) error {
	buf := make([]byte, maxMessage)
	for {
		n, err := w.r.Read(buf)
		if err != nil {
			return err
		}
		w.dispatch(buf[:n], resolver)
	}
}

func (w *Watcher) dispatch(msg []byte, resolver *resolverchan.Channel) {
	if len(msg) < 4 {
		w.bumpShortRead()
		return
	}
	msglen := binary.LittleEndian.Uint16(msg[0:2])
	version := msg[2]
	rtmType := msg[3]

	if int(msglen) > len(msg) {
		w.bumpShortRead()
		return
	}
	if version != wireVersion {
		w.bumpVersionSkip()
		return
	}

	switch rtmType {
	case rtmIfAnnounce:
		w.dispatchIfAnnounce(msg, resolver)
	case rtmIfInfo:
		w.dispatchIfInfo(resolver)
	case rtmProposal:
		w.dispatchProposal(msg, resolver)
	}
}

// dispatchIfAnnounce handles RTM_IFANNOUNCE. Layout (if_announcemsghdr): msglen(2) version(1)
// type(1) index(2) name[16] what(2).
func (w *Watcher) dispatchIfAnnounce(msg []byte, resolver *resolverchan.Channel) {
	const whatOffset = 22
	if len(msg) < whatOffset+2 {
		w.bumpShortRead()
		return
	}
	ifIndex := binary.LittleEndian.Uint16(msg[4:6])
	what := binary.LittleEndian.Uint16(msg[whatOffset : whatOffset+2])
	if what == ifanArrival {
		return
	}

	w.bumpDispatched()
	resolver.SendReplaceDNS(resolverchan.ReplaceDNS{IfIndex: int32(ifIndex)})
}

// dispatchIfInfo handles RTM_IFINFO. spec.md 4.9 doesn't need any field out of the message, just the
// fact that one arrived.
func (w *Watcher) dispatchIfInfo(resolver *resolverchan.Channel) {
	w.bumpDispatched()
	resolver.SendNetworkChanged()
}

// dispatchProposal handles RTM_PROPOSAL. Layout (rt_msghdr): msglen(2) version(1) type(1) hdrlen(2)
// index(2) tableid(2) priority(1) mpls(1) addrs(4) ... The address array starts at hdrlen and
// carries one sockaddr per bit set in addrs, in ascending bit order; RTA_DNS's payload is a
// sockaddr_rtdns (len(1) family(1) then the packed resolver addresses).
func (w *Watcher) dispatchProposal(msg []byte, resolver *resolverchan.Channel) {
	const (
		hdrlenOffset = 4
		indexOffset  = 6
		addrsOffset  = 12
		addrsEnd     = addrsOffset + 4
	)
	if len(msg) < addrsEnd {
		w.bumpShortRead()
		return
	}
	hdrlen := binary.LittleEndian.Uint16(msg[hdrlenOffset : hdrlenOffset+2])
	ifIndex := binary.LittleEndian.Uint16(msg[indexOffset : indexOffset+2])
	addrs := binary.LittleEndian.Uint32(msg[addrsOffset:addrsEnd])

	if addrs&rtaDns == 0 {
		return
	}
	if int(hdrlen) > len(msg) {
		w.bumpShortRead()
		return
	}

	off := int(hdrlen)
	for _, bit := range rtaPrecedingDNS {
		if addrs&uint32(bit) == 0 {
			continue
		}
		n, ok := sockaddrLen(msg, off)
		if !ok {
			w.bumpBadProposal()
			return
		}
		off += n
	}

	rtdns, ok := parseRTDNS(msg, off)
	if !ok {
		w.bumpBadProposal()
		return
	}

	w.bumpDispatched()
	resolver.SendReplaceDNS(resolverchan.ReplaceDNS{IfIndex: int32(ifIndex), RTDNS: rtdns})
}

// sockaddrLen reads a generic sockaddr's length byte at off and returns how many bytes it (and its
// sizeof(long) padding) occupies in the address array.
func sockaddrLen(msg []byte, off int) (int, bool) {
	if off >= len(msg) {
		return 0, false
	}
	n := int(msg[off])
	if n == 0 {
		n = sockaddrRound // a zero-length sockaddr still consumes one rounded slot
	}
	return roundUp(n, sockaddrRound), true
}

// parseRTDNS decodes a sockaddr_rtdns at off and validates spec.md 4.9's alignment rule: the
// embedded resolver-address payload's length must be a whole multiple of 4 (v4) or 16 (v6) bytes.
// A single sockaddr_rtdns can carry more than one resolver address back to back; every addrLen-sized
// slice of the payload is decoded and returned, not just the first.
func parseRTDNS(msg []byte, off int) ([]net.IP, bool) {
	const headerLen = 2 // sr_len(1) + sr_family(1)
	if off+headerLen > len(msg) {
		return nil, false
	}
	srLen := int(msg[off])
	family := msg[off+1]
	if off+srLen > len(msg) || srLen < headerLen {
		return nil, false
	}
	payload := msg[off+headerLen : off+srLen]

	var addrLen int
	switch family {
	case 2: // AF_INET
		addrLen = ipv4Len
	case 24, 28: // AF_INET6 (value differs across BSDs; both observed in the wild)
		addrLen = ipv6Len
	default:
		return nil, false
	}
	if len(payload) == 0 || len(payload)%addrLen != 0 {
		return nil, false
	}

	addrs := make([]net.IP, 0, len(payload)/addrLen)
	for i := 0; i < len(payload); i += addrLen {
		addrs = append(addrs, net.IP(append([]byte(nil), payload[i:i+addrLen]...)))
	}
	return addrs, true
}

func roundUp(n, to int) int {
	if rem := n % to; rem != 0 {
		n += to - rem
	}
	return n
}

func (w *Watcher) bumpDispatched() {
	w.mu.Lock()
	w.dispatched++
	w.mu.Unlock()
}

func (w *Watcher) bumpShortRead() {
	w.mu.Lock()
	w.shortReads++
	w.mu.Unlock()
}

func (w *Watcher) bumpVersionSkip() {
	w.mu.Lock()
	w.versionSkips++
	w.mu.Unlock()
}

func (w *Watcher) bumpBadProposal() {
	w.mu.Lock()
	w.badProposals++
	w.mu.Unlock()
}

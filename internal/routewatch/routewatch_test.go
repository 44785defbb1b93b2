package routewatch

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/unwindfront/unwindfront/internal/ipc/frame"
	"github.com/unwindfront/unwindfront/internal/ipc/resolverchan"
)

func newDispatchFixture(t *testing.T) (*Watcher, *resolverchan.Channel, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })
	return New(nil), resolverchan.New(serverConn), clientConn
}

func expectFrame(t *testing.T, peer net.Conn) {
	t.Helper()
	readErr := make(chan error, 1)
	go func() {
		_, err := frame.ReadFrame(peer)
		readErr <- err
	}()
	if err := <-readErr; err != nil {
		t.Fatalf("expected a frame to be written, got error: %s", err)
	}
}

func buildIfAnnounce(t *testing.T, ifIndex uint16, what uint16) []byte {
	t.Helper()
	msg := make([]byte, 24)
	binary.LittleEndian.PutUint16(msg[0:2], 24)
	msg[2] = wireVersion
	msg[3] = rtmIfAnnounce
	binary.LittleEndian.PutUint16(msg[4:6], ifIndex)
	binary.LittleEndian.PutUint16(msg[22:24], what)
	return msg
}

func buildIfInfo(t *testing.T) []byte {
	t.Helper()
	msg := make([]byte, 16)
	binary.LittleEndian.PutUint16(msg[0:2], 16)
	msg[2] = wireVersion
	msg[3] = rtmIfInfo
	return msg
}

func buildProposal(t *testing.T, ifIndex uint16, dnsPayload []byte, family byte) []byte {
	t.Helper()
	const hdrlen = 16
	srLen := 2 + len(dnsPayload)
	total := roundUp(hdrlen+roundUp(srLen, sockaddrRound), sockaddrRound)
	msg := make([]byte, total)

	binary.LittleEndian.PutUint16(msg[0:2], uint16(total))
	msg[2] = wireVersion
	msg[3] = rtmProposal
	binary.LittleEndian.PutUint16(msg[4:6], hdrlen)
	binary.LittleEndian.PutUint16(msg[6:8], ifIndex)
	binary.LittleEndian.PutUint32(msg[12:16], rtaDns)

	msg[hdrlen] = byte(srLen)
	msg[hdrlen+1] = family
	copy(msg[hdrlen+2:], dnsPayload)
	return msg
}

func TestDispatchIfAnnounceDepartureSendsReplaceDNS(t *testing.T) {
	w, resolver, peer := newDispatchFixture(t)

	go w.dispatch(buildIfAnnounce(t, 3, 1), resolver)
	expectFrame(t, peer)

	if w.dispatched != 1 {
		t.Errorf("dispatched = %d, want 1", w.dispatched)
	}
}

func TestDispatchIfAnnounceArrivalIsSilent(t *testing.T) {
	w, resolver, _ := newDispatchFixture(t)

	w.dispatch(buildIfAnnounce(t, 3, ifanArrival), resolver)

	if w.dispatched != 0 {
		t.Errorf("dispatched = %d, want 0 for an arrival announcement", w.dispatched)
	}
}

func TestDispatchIfInfoSendsNetworkChanged(t *testing.T) {
	w, resolver, peer := newDispatchFixture(t)

	go w.dispatch(buildIfInfo(t), resolver)
	expectFrame(t, peer)
}

func TestDispatchProposalValidV4SendsReplaceDNS(t *testing.T) {
	w, resolver, peer := newDispatchFixture(t)

	go w.dispatch(buildProposal(t, 2, []byte{192, 0, 2, 53}, 2), resolver)
	expectFrame(t, peer)

	if w.badProposals != 0 {
		t.Errorf("badProposals = %d, want 0", w.badProposals)
	}
}

func TestParseRTDNSForwardsEveryConcatenatedAddress(t *testing.T) {
	const hdrlen = 16
	dnsPayload := []byte{192, 0, 2, 53, 192, 0, 2, 54, 192, 0, 2, 55}
	msg := buildProposal(t, 2, dnsPayload, 2)

	addrs, ok := parseRTDNS(msg, hdrlen)
	if !ok {
		t.Fatal("expected parseRTDNS to succeed")
	}
	want := []string{"192.0.2.53", "192.0.2.54", "192.0.2.55"}
	if len(addrs) != len(want) {
		t.Fatalf("addrs = %v, want %d addresses carried in one sockaddr_rtdns", addrs, len(want))
	}
	for i := range want {
		if addrs[i].String() != want[i] {
			t.Errorf("addrs[%d] = %s, want %s", i, addrs[i], want[i])
		}
	}
}

func TestDispatchProposalWithMultipleAddressesForwardsAll(t *testing.T) {
	w, resolver, peer := newDispatchFixture(t)

	dnsPayload := []byte{192, 0, 2, 53, 192, 0, 2, 54, 192, 0, 2, 55}
	go w.dispatch(buildProposal(t, 2, dnsPayload, 2), resolver)
	expectFrame(t, peer)

	if w.badProposals != 0 {
		t.Errorf("badProposals = %d, want 0", w.badProposals)
	}
	if w.dispatched != 1 {
		t.Errorf("dispatched = %d, want 1", w.dispatched)
	}
}

func TestDispatchProposalMisalignedPayloadIsDropped(t *testing.T) {
	w, resolver, _ := newDispatchFixture(t)

	w.dispatch(buildProposal(t, 2, []byte{192, 0, 2}, 2), resolver)

	if w.badProposals != 1 {
		t.Errorf("badProposals = %d, want 1", w.badProposals)
	}
	if w.dispatched != 0 {
		t.Errorf("dispatched = %d, want 0", w.dispatched)
	}
}

func TestDispatchSkipsVersionMismatch(t *testing.T) {
	w, resolver, _ := newDispatchFixture(t)

	msg := buildIfInfo(t)
	msg[2] = wireVersion + 1

	w.dispatch(msg, resolver)

	if w.versionSkips != 1 {
		t.Errorf("versionSkips = %d, want 1", w.versionSkips)
	}
}

func TestDispatchDiscardsShortMessage(t *testing.T) {
	w, resolver, _ := newDispatchFixture(t)

	w.dispatch([]byte{1, 2}, resolver)

	if w.shortReads != 1 {
		t.Errorf("shortReads = %d, want 1", w.shortReads)
	}
}

package session

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/unwindfront/unwindfront/internal/connectiontracker"
	"github.com/unwindfront/unwindfront/internal/pending"
	"github.com/unwindfront/unwindfront/internal/wireguard"

	"github.com/miekg/dns"
)

// tcpBudget tracks how many TCP sessions are concurrently open against a ceiling derived from the
// process's file descriptor rlimit, reserving headroom for everything else holding an fd (listening
// sockets, the resolver channel, the trust-anchor/blocklist files). This is the Go-idiom translation
// of spec.md 4.4's "before accept4 the loop compares current fd usage against limit minus a reserve
// of 5": rather than an event-loop checking a global fd count before every accept, each listener
// goroutine tracks its own budget and backs off when it is exhausted.
type tcpBudget struct {
	max  int
	live chan struct{} // Buffered to max; a send reserves a slot, a receive releases one
}

func newTCPBudget() *tcpBudget {
	max := 256 // Conservative fallback if the rlimit can't be read
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err == nil {
		max = int(rlim.Cur) - consts.AcceptReserve
		if max < 1 {
			max = 1
		}
	}
	return &tcpBudget{max: max, live: make(chan struct{}, max)}
}

func (b *tcpBudget) tryAcquire() bool {
	select {
	case b.live <- struct{}{}:
		return true
	default:
		return false
	}
}

func (b *tcpBudget) release() {
	<-b.live
}

// ServeTCP implements spec.md 4.4's accept policy: accept connections until the listener closes,
// backing off for AcceptBackoff whenever the fd budget is exhausted rather than accepting and
// immediately failing the new connection.
func (f *Front) ServeTCP(ln net.Listener) error {
	budget := newTCPBudget()
	for {
		if !budget.tryAcquire() {
			time.Sleep(consts.AcceptBackoff)
			continue
		}

		conn, err := ln.Accept()
		if err != nil {
			budget.release()
			return err
		}

		go func() {
			defer budget.release()
			f.handleTCPConn(conn)
		}()
	}
}

// handleTCPConn runs the S0/S1/S2 reassembly state machine of spec.md 4.4 for one accepted
// connection, forwards the decoded query, and waits for either the resolver's answer or the idle
// timeout before releasing the connection.
func (f *Front) handleTCPConn(conn net.Conn) {
	key := conn.RemoteAddr().String()
	f.connTrk.ConnState(key, time.Now(), connectiontracker.StateNew)
	defer func() {
		conn.Close()
		f.connTrk.ConnState(key, time.Now(), connectiontracker.StateClosed)
	}()
	f.bumpTCPQuery()

	// One hard deadline spans the whole connection lifetime, accept to release (spec.md 4.4's single
	// 15-second idle timeout) - the read phase below and the resolver wait in handleTCPAccept both
	// draw against it rather than each arming their own fresh window.
	deadline := time.Now().Add(consts.TCPIdleTimeout)
	conn.SetReadDeadline(deadline)

	f.connTrk.ConnState(key, time.Now(), connectiontracker.StateActive)

	lengthBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, lengthBuf); err != nil {
		if isTimeout(err) {
			f.bumpTCPTimeout()
		}
		return
	}
	length := binary.BigEndian.Uint16(lengthBuf)

	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		if isTimeout(err) {
			f.bumpTCPTimeout()
		}
		return
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseRead()
	}

	f.connTrk.ConnState(key, time.Now(), connectiontracker.StateIdle)

	verdict := wireguard.Check(body, f.blocklist.Contains)
	if f.LogClientIn || f.debugMatches(verdict) {
		f.logf("QI:tcp %s %s", conn.RemoteAddr(), queryLogLine(verdict))
	}

	switch verdict.Disposition {
	case wireguard.Drop:
		f.bumpDrop()

	case wireguard.Reject:
		f.bumpReject()
		if reply := buildRejectReply(body, verdict); reply != nil {
			f.logClientOut("tcp", conn.RemoteAddr(), reply)
			writeTCPFramed(conn, reply)
		}

	case wireguard.ServeLocal:
		f.bumpServedLocal()
		reply := wireguard.VersionReply(verdict.Query)
		if out, err := reply.Pack(); err == nil {
			f.logClientOut("tcp", conn.RemoteAddr(), out)
			writeTCPFramed(conn, out)
		}

	case wireguard.Accept:
		f.handleTCPAccept(conn, verdict.Query, deadline)
	}
}

// handleTCPAccept waits for either the resolver's answer or deadline, whichever comes first -
// deadline is the same accept-time deadline handleTCPConn already spent part of reading the
// request, not a fresh timeout. Only one of the two outcomes is allowed to release q (spec.md
// invariant I5); TryRelease arbitrates the race.
func (f *Front) handleTCPAccept(conn net.Conn, msg *dns.Msg, deadline time.Time) {
	q := pending.NewTCP(conn.RemoteAddr(), conn)
	f.forwardQuery(q, msg)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-q.Done:
		// finishAnswer/finishWithFailure already wrote the reply and removed q from the table.
	case <-timer.C:
		if q.TryRelease() {
			f.bumpTCPTimeout()
			f.pending.Remove(q)
			f.inFlight.Done()
		}
	}
}

func writeTCPFramed(conn net.Conn, payload []byte) {
	prefix := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(prefix[:2], uint16(len(payload)))
	copy(prefix[2:], payload)
	conn.Write(prefix)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

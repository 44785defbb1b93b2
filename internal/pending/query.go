/*
Package pending implements the central correlation entity of the front-end: a PendingQuery tracks
one client request from the moment it is accepted until the moment its answer is written (or it is
abandoned). Every pending query is reachable by exactly one 64-bit id, handed out by Table.Insert,
which is also the id threaded through the resolver channel's QUERY/ANSWER exchange (spec.md 4.2,
4.5).

A PendingQuery is only ever touched by the goroutine that currently owns it: the session goroutine
that created it, or - once handed to the resolver - the resolver channel's reader goroutine that
appends answer chunks and eventually triggers reply post-processing. Ownership transfers happen
solely through Table's lock, so two goroutines are never looking at the same PendingQuery's mutable
fields at once. This is the Go idiom for spec.md's single-threaded cooperative model: no data race,
without needing every read/write to run inside one physical thread.
*/
package pending

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// Transport identifies which listener a PendingQuery arrived on. Modeled as spec.md Design Notes
// calls for: a tagged variant rather than a pointer-rich struct with unused fields for the other
// transport.
type Transport int

const (
	UDP Transport = iota
	TCP
)

func (t Transport) String() string {
	if t == TCP {
		return "tcp"
	}
	return "udp"
}

// EDNSInfo captures the client's advertised EDNS0 OPT, if any (spec.md 3).
type EDNSInfo struct {
	Present bool
	UDPSize uint16
	DO      bool
	Version uint8
	ExtRcode uint8
}

// QuestionInfo is the parsed question section (spec.md 3 "qinfo").
type QuestionInfo struct {
	QName  string
	QType  uint16
	QClass uint16
}

// tcpState holds the TCP-only sub-state described in spec.md 3: a read timer, a reassembly
// sub-state and the socket's write-direction bookkeeping. Kept as a separate, optionally-nil
// pointer so the common UDP case does not carry this weight (spec.md Design Notes "tagged
// variant").
type tcpState struct {
	Conn       net.Conn
	IdleTimer  *time.Timer
	ReadStage  ReadStage
	LengthBuf  [2]byte
	LengthGot  int
	Body       []byte
	BodyGot    int
	WritePos   int // Bytes of (2-byte prefix + abuf) already written
	HalfClosed bool
}

// ReadStage is the TCP reassembly state machine of spec.md 4.4.
type ReadStage int

const (
	ReadingLength ReadStage = iota // S0
	ReadingBody                    // S1
	Writing                        // S2
)

// Query is the PendingQuery entity of spec.md 3.
type Query struct {
	ID        uint64
	From      net.Addr
	Transport Transport

	PacketConn net.PacketConn // Set when Transport == UDP; shared across all UDP pending queries
	tcp        *tcpState      // Set when Transport == TCP; nil otherwise

	QBuf []byte // Inbound wire bytes

	ABuf    []byte // Outbound answer buffer; capacity fixed by the first resolver chunk
	ABufPos int    // Bytes written into ABuf so far

	QInfo QuestionInfo
	QMsg  dns.MsgHdr // Parsed header (id, flags) of the original client query

	EDNS EDNSInfo

	CreatedAt time.Time

	// Bogus/SrvFail latch whatever an ANSWER chunk reported (spec.md 4.5); they are read once the
	// answer is complete to decide whether reply post-processing forces SERVFAIL.
	Bogus   bool
	SrvFail bool

	// Done is closed exactly once, by whichever goroutine finishes this query (answer delivered,
	// timeout, or fatal error), so a session goroutine blocked waiting on a TCP query can wake up.
	// UDP queries never wait on it.
	Done chan struct{}

	// released guards against a resolver answer and a TCP idle timeout both trying to release the
	// same query - they run on different goroutines with no other synchronization between them.
	released atomic.Bool
}

// TryRelease reports whether the caller is the first to claim release of q. Exactly one of a
// resolver answer (OnAnswer) and a TCP idle timeout can win this race; the loser must not touch
// the pending table, the in-flight counter, or Done.
func (q *Query) TryRelease() bool {
	return q.released.CompareAndSwap(false, true)
}

// NewUDP constructs a PendingQuery for a single inbound UDP datagram.
func NewUDP(from net.Addr, pc net.PacketConn, qbuf []byte) *Query {
	return &Query{
		From:       from,
		Transport:  UDP,
		PacketConn: pc,
		QBuf:       qbuf,
		CreatedAt:  time.Now(),
	}
}

// NewTCP constructs a PendingQuery for a freshly accepted TCP connection. The connection has not
// yet been fully read; IsTCPReadComplete reports when the reassembly state machine has the whole
// request.
func NewTCP(from net.Addr, conn net.Conn) *Query {
	return &Query{
		From:      from,
		Transport: TCP,
		tcp:       &tcpState{Conn: conn, ReadStage: ReadingLength},
		CreatedAt: time.Now(),
		Done:      make(chan struct{}),
	}
}

// Finish closes Done, waking any goroutine parked on it. Safe to call at most once per Query; a
// second call panics on the closed channel, which is intentional since it indicates two goroutines
// both believe they own releasing this query (violating invariant I5).
func (q *Query) Finish() {
	if q.Done != nil {
		close(q.Done)
	}
}

// TCP returns the TCP-only sub-state. Callers must only invoke this when Transport == TCP; it
// panics otherwise since that would indicate a logic error in the caller, not a runtime condition
// to recover from.
func (q *Query) TCP() *tcpState {
	if q.tcp == nil {
		panic("pending: TCP() called on a non-TCP query")
	}
	return q.tcp
}

// SetAnswerCapacity fixes ABuf's capacity on the first resolver chunk (spec.md invariant I3). It is
// a programming error to call this twice with different lengths; the second call is a no-op.
func (q *Query) SetAnswerCapacity(n int) {
	if q.ABuf != nil {
		return
	}
	q.ABuf = make([]byte, n)
	q.ABufPos = 0
}

// AppendAnswer writes the next chunk into ABuf at the current position. It reports false if the
// chunk would overflow the fixed capacity (spec.md invariant I4), in which case no bytes are
// written.
func (q *Query) AppendAnswer(chunk []byte) bool {
	if q.ABufPos+len(chunk) > len(q.ABuf) {
		return false
	}
	copy(q.ABuf[q.ABufPos:], chunk)
	q.ABufPos += len(chunk)
	return true
}

// AnswerComplete reports whether every byte of the announced answer length has arrived.
func (q *Query) AnswerComplete() bool {
	return q.ABuf != nil && q.ABufPos == len(q.ABuf)
}

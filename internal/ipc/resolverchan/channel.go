package resolverchan

import (
	"fmt"
	"io"
	"sync"

	"github.com/unwindfront/unwindfront/internal/ipc/frame"
)

// Handler receives decoded inbound messages. Implementations must not block for long since a single
// goroutine drives Recv for the whole channel; spec.md 4.5's ANSWER reassembly and trust-anchor sync
// both only need to touch in-memory state, so this is not a real constraint in practice.
type Handler interface {
	OnAnswer(a Answer)
	OnNewTA(anchor string)
	OnNewTAsDone()
	OnNewTAsAbort()
	OnControl(payload []byte)
}

type stats struct {
	queriesSent  int
	answersRecv  int
	decodeErrors int
	unknownKinds int
}

// Channel is one resolver-channel endpoint, wrapping a byte-stream connection (established from the
// fd the main channel hands over per spec.md 4.6's SOCKET_IPC_RESOLVER).
type Channel struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex

	mu sync.Mutex
	stats
}

// New wraps conn as a resolver channel. conn is typically a *net.UnixConn or *os.File dup'd from the
// fd delivered by the main channel.
func New(conn io.ReadWriteCloser) *Channel {
	return &Channel{conn: conn}
}

func (c *Channel) send(kind frame.Kind, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return frame.WriteFrame(c.conn, frame.Frame{Kind: kind, Payload: payload})
}

// SendQuery transmits a QUERY message requesting recursion for q.
func (c *Channel) SendQuery(q Query) error {
	if len(q.QName) > 255 {
		return fmt.Errorf("resolverchan: qname %q exceeds 255 bytes", q.QName)
	}
	if err := c.send(KindQuery, encodeQuery(q)); err != nil {
		return err
	}
	c.mu.Lock()
	c.queriesSent++
	c.mu.Unlock()
	return nil
}

// SendNewTA forwards a single staged trust anchor, used both for outbound sync and for the loopback
// re-announcement spec.md scenario 7 requires after a local diff_and_swap.
func (c *Channel) SendNewTA(anchor string) error {
	return c.send(KindNewTA, []byte(anchor))
}

// SendNewTAsDone signals the end of a trust-anchor sync batch.
func (c *Channel) SendNewTAsDone() error {
	return c.send(KindNewTAsDone, nil)
}

// SendNewTAsAbort cancels an in-progress trust-anchor sync batch.
func (c *Channel) SendNewTAsAbort() error {
	return c.send(KindNewTAsAbort, nil)
}

// SendReplaceDNS notifies the resolver of a resolver-address change observed on the routing socket.
func (c *Channel) SendReplaceDNS(r ReplaceDNS) error {
	return c.send(KindReplaceDNS, encodeReplaceDNS(r))
}

// SendNetworkChanged sends the opaque network-changed trigger.
func (c *Channel) SendNetworkChanged() error {
	return c.send(KindNetworkChanged, nil)
}

// SendControl relays a raw CTL_* payload to the resolver unchanged.
func (c *Channel) SendControl(payload []byte) error {
	return c.send(KindControl, payload)
}

// Run reads frames from the channel until it errors or io.EOF, dispatching each to h. It returns the
// terminal error (nil on a clean peer close). Run is meant to be the body of a dedicated goroutine.
func (c *Channel) Run(h Handler) error {
	for {
		f, err := frame.ReadFrame(c.conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		c.dispatch(f, h)
	}
}

func (c *Channel) dispatch(f frame.Frame, h Handler) {
	switch f.Kind {
	case KindAnswer:
		a, err := decodeAnswer(f.Payload)
		if err != nil {
			c.bumpDecodeError()
			return
		}
		c.mu.Lock()
		c.answersRecv++
		c.mu.Unlock()
		h.OnAnswer(a)
	case KindNewTA:
		h.OnNewTA(string(f.Payload))
	case KindNewTAsDone:
		h.OnNewTAsDone()
	case KindNewTAsAbort:
		h.OnNewTAsAbort()
	case KindControl:
		h.OnControl(f.Payload)
	default:
		c.mu.Lock()
		c.unknownKinds++
		c.mu.Unlock()
	}
}

func (c *Channel) bumpDecodeError() {
	c.mu.Lock()
	c.decodeErrors++
	c.mu.Unlock()
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

/*
Package mainchan implements the main channel of spec.md 4.6: a one-shot delivery of pre-opened
listening sockets and configuration fds from the parent/supervisor process, followed by a trickle of
reconfiguration and control messages for the life of the process.

Fds travel as ancillary SCM_RIGHTS data on a Unix domain socket, which golang.org/x/sys/unix exposes
via ParseSocketControlMessage/ParseUnixRights - the same package the front-end already depends on for
osutil's chroot/setuid calls. Everything else on the channel is a tagged, length-prefixed message
using the same internal/ipc/frame envelope as the resolver channel.
*/
package mainchan

import (
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/unwindfront/unwindfront/internal/ipc/frame"

	"golang.org/x/sys/unix"
)

// Kind identifies a main-channel message. It is a distinct type from frame.Kind (rather than an
// alias) purely so methods can be attached to it here.
type Kind frame.Kind

// Message kinds, matching the tag sent by the parent ahead of each payload/fd.
const (
	KindSocketIPCResolver Kind = iota + 1
	KindUDP4Sock
	KindUDP6Sock
	KindTCP4Sock
	KindTCP6Sock
	KindRouteSock
	KindControlFD
	KindTAFD
	KindBLFD
	KindReconfChunk
	KindReconfEnd
	KindStartup
)

// String names a Kind for logging and for naming the *os.File handed back by Recv.
func (k Kind) String() string {
	switch k {
	case KindSocketIPCResolver:
		return "SOCKET_IPC_RESOLVER"
	case KindUDP4Sock:
		return "UDP4SOCK"
	case KindUDP6Sock:
		return "UDP6SOCK"
	case KindTCP4Sock:
		return "TCP4SOCK"
	case KindTCP6Sock:
		return "TCP6SOCK"
	case KindRouteSock:
		return "ROUTESOCK"
	case KindControlFD:
		return "CONTROLFD"
	case KindTAFD:
		return "TAFD"
	case KindBLFD:
		return "BLFD"
	case KindReconfChunk:
		return "RECONF_CHUNK"
	case KindReconfEnd:
		return "RECONF_END"
	case KindStartup:
		return "STARTUP"
	}
	return "UNKNOWN"
}

// Delivery is one decoded message from the main channel. Fd is non-nil only for the fd-carrying
// kinds (everything except KindReconfChunk/KindReconfEnd/KindStartup).
type Delivery struct {
	Kind Kind
	Fd   *os.File
	Data []byte // Set for KindReconfChunk
}

// oobSpace is generous headroom for the ancillary data accompanying a single fd.
const oobSpace = 32

// Channel reads Deliveries from a Unix domain socket connected to the parent.
type Channel struct {
	conn *net.UnixConn

	mu        sync.Mutex
	delivered int
	errors    int
}

// New wraps an already-connected Unix domain socket as a main channel.
func New(conn *net.UnixConn) *Channel {
	return &Channel{conn: conn}
}

// Name implements the reporter.Reporter interface.
func (c *Channel) Name() string {
	return "MainChannel"
}

// Report implements the reporter.Reporter interface.
func (c *Channel) Report(resetCounters bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := fmt.Sprintf("delivered=%d errors=%d", c.delivered, c.errors)
	if resetCounters {
		c.delivered = 0
		c.errors = 0
	}

	return report
}

// Recv reads one Delivery, blocking until the parent sends the next frame. Every delivery starts
// with a 1-byte kind tag; fd-carrying kinds are followed by a ReadMsgUnix call that plucks the fd out
// of the ancillary data, everything else is read as a length-prefixed frame payload.
func (c *Channel) Recv() (Delivery, error) {
	tagBuf := make([]byte, 1)
	oob := make([]byte, oobSpace)

	n, oobn, _, _, err := c.conn.ReadMsgUnix(tagBuf, oob)
	if err != nil {
		c.bumpError()
		return Delivery{}, err
	}
	if n != 1 {
		c.bumpError()
		return Delivery{}, fmt.Errorf("mainchan: expected 1-byte kind tag, got %d bytes", n)
	}
	kind := Kind(tagBuf[0])

	if !kind.hasFd() {
		f, err := frame.ReadFrame(c.conn)
		if err != nil {
			c.bumpError()
			return Delivery{}, err
		}
		c.bumpDelivered()
		return Delivery{Kind: kind, Data: f.Payload}, nil
	}

	if oobn == 0 {
		c.bumpError()
		return Delivery{}, fmt.Errorf("mainchan: kind %s expected an fd, got none", kind)
	}
	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		c.bumpError()
		return Delivery{}, fmt.Errorf("mainchan: parse control message: %w", err)
	}
	var fds []int
	for _, scm := range scms {
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			c.bumpError()
			return Delivery{}, fmt.Errorf("mainchan: parse unix rights: %w", err)
		}
		fds = append(fds, got...)
	}
	if len(fds) != 1 {
		c.bumpError()
		return Delivery{}, fmt.Errorf("mainchan: expected exactly one fd, got %d", len(fds))
	}

	c.bumpDelivered()
	return Delivery{Kind: kind, Fd: os.NewFile(uintptr(fds[0]), kind.String())}, nil
}

func (c *Channel) bumpDelivered() {
	c.mu.Lock()
	c.delivered++
	c.mu.Unlock()
}

func (c *Channel) bumpError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// SendFd writes kind's tag byte and fd as ancillary SCM_RIGHTS data. It is the supervisor side of the
// protocol; the front-end itself never calls this in production, but it is how tests exercise Recv
// without a real parent process.
func (c *Channel) SendFd(kind Kind, fd *os.File) error {
	oob := unix.UnixRights(int(fd.Fd()))
	_, _, err := c.conn.WriteMsgUnix([]byte{byte(kind)}, oob, nil)
	return err
}

// SendFrame writes kind's tag byte followed by a length-prefixed payload, for the non-fd message
// kinds (RECONF_*, STARTUP).
func (c *Channel) SendFrame(kind Kind, payload []byte) error {
	if _, _, err := c.conn.WriteMsgUnix([]byte{byte(kind)}, nil, nil); err != nil {
		return err
	}
	return frame.WriteFrame(c.conn, frame.Frame{Kind: frame.Kind(kind), Payload: payload})
}

func (k Kind) hasFd() bool {
	switch k {
	case KindSocketIPCResolver, KindUDP4Sock, KindUDP6Sock, KindTCP4Sock, KindTCP6Sock,
		KindRouteSock, KindControlFD, KindTAFD, KindBLFD:
		return true
	}
	return false
}

// Close closes the underlying socket.
func (c *Channel) Close() error {
	return c.conn.Close()
}

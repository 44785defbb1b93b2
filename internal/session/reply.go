package session

import (
	"encoding/binary"
	"os"

	"github.com/unwindfront/unwindfront/internal/ipc/resolverchan"
	"github.com/unwindfront/unwindfront/internal/pending"
	"github.com/unwindfront/unwindfront/internal/trustanchor"
)

// finishAnswer runs spec.md 4.5.1's reply post-processing once a query's ABuf has every announced
// byte, writes the result to the client, and releases the query.
func (f *Front) finishAnswer(q *pending.Query) {
	if !q.TryRelease() {
		// A TCP idle timeout already claimed this query; the answer arrived too late to matter.
		return
	}

	reply, err := resolverchan.PostProcess(q, q.Bogus, q.SrvFail)
	if err != nil {
		f.bumpAnswerError()
	} else {
		f.writeReply(q, reply)
		f.bumpAnswered()
	}
	f.pending.Remove(q)
	f.inFlight.Done()
	q.Finish()
}

// writeReply writes reply to the client that originated q, using the transport-appropriate framing:
// one UDP datagram, or a 2-byte length prefix followed by the bytes on the TCP connection.
func (f *Front) writeReply(q *pending.Query, reply []byte) {
	f.logClientOut(q.Transport.String(), q.From, reply)

	if q.Transport == pending.UDP {
		if _, err := q.PacketConn.WriteTo(reply, q.From); err != nil {
			f.logf("QE:udp write to %s failed: %s", q.From, err)
		}
		return
	}

	tcp := q.TCP()
	prefix := make([]byte, 2+len(reply))
	binary.BigEndian.PutUint16(prefix[:2], uint16(len(reply)))
	copy(prefix[2:], reply)
	if _, err := tcp.Conn.Write(prefix); err != nil {
		f.logf("QE:tcp write to %s failed: %s", q.From, err)
	}
}

// persistTrustAnchors implements spec.md 4.7's persist(fd): truncate and rewrite "anchor\n" lines,
// then fsync so the update survives a crash before the next persist.
func persistTrustAnchors(store *trustanchor.Store, file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	if err := store.Persist(file); err != nil {
		return err
	}
	return file.Sync()
}

package session

import (
	"github.com/unwindfront/unwindfront/internal/ipc/resolverchan"
	"github.com/unwindfront/unwindfront/internal/pending"
)

// OnAnswer implements resolverchan.Handler. It is called from the resolver channel's single reader
// goroutine, so this is the one place a pending query's ABuf is mutated after creation - no lock
// needed on the Query itself, only on the Table that owns lookup/remove.
func (f *Front) OnAnswer(a resolverchan.Answer) {
	q := f.pending.Lookup(a.ID)
	if q == nil {
		f.logf("AE:no pending query for id=%x, dropping chunk", a.ID)
		return
	}

	q.Bogus = q.Bogus || a.Bogus
	q.SrvFail = q.SrvFail || a.SrvFail

	firstChunk := q.ABuf == nil
	if firstChunk && a.AnswerLen == 0 {
		f.finishWithFailure(q)
		return
	}
	if firstChunk {
		q.SetAnswerCapacity(int(a.AnswerLen))
	}

	if !q.AppendAnswer(a.Chunk) {
		f.finishWithFailure(q)
		return
	}

	if q.AnswerComplete() {
		f.finishAnswer(q)
	}
}

// finishWithFailure forces SERVFAIL (the first-chunk-zero-length and overflow cases of spec.md 4.5)
// and drops the correlated query.
func (f *Front) finishWithFailure(q *pending.Query) {
	if !q.TryRelease() {
		// A TCP idle timeout already claimed this query.
		return
	}

	f.bumpAnswerError()
	q.SrvFail = true
	reply, err := resolverchan.PostProcess(q, false, true)
	if err == nil {
		f.writeReply(q, reply)
	}
	f.pending.Remove(q)
	f.inFlight.Done()
	q.Finish()
}

// OnNewTA implements resolverchan.Handler: one staged trust anchor from the resolver's own sync.
func (f *Front) OnNewTA(anchor string) {
	if f.anchors == nil {
		return
	}
	f.taMu.Lock()
	if !f.taSyncOpen {
		f.anchors.BeginSync()
		f.taSyncOpen = true
	}
	f.anchors.Add(anchor)
	f.taMu.Unlock()
}

// OnNewTAsDone implements resolverchan.Handler. Per spec.md 4.7/4.9, the set is always persisted -
// rewriting even without change keeps the file's mtime as a liveness signal - and, as spec.md
// scenario 7 models, the resulting sorted set is always re-announced to the resolver as a loopback
// confirmation.
func (f *Front) OnNewTAsDone() {
	if f.anchors == nil {
		return
	}
	f.taMu.Lock()
	f.taSyncOpen = false
	anchors, _ := f.anchors.DiffAndSwap()
	f.taMu.Unlock()

	if f.taFile != nil {
		if err := persistTrustAnchors(f.anchors, f.taFile); err != nil {
			f.logf("TA:persist failed: %s", err)
		}
	}

	for _, a := range anchors {
		if err := f.resolver.SendNewTA(a); err != nil {
			f.logf("TA:loopback send failed: %s", err)
			return
		}
	}
	if err := f.resolver.SendNewTAsDone(); err != nil {
		f.logf("TA:loopback done failed: %s", err)
	}
}

// OnNewTAsAbort implements resolverchan.Handler.
func (f *Front) OnNewTAsAbort() {
	if f.anchors == nil {
		return
	}
	f.taMu.Lock()
	f.taSyncOpen = false
	f.anchors.AbortSync()
	f.taMu.Unlock()
}

// OnControl implements resolverchan.Handler by logging the relay. The control channel's far end is
// out of scope (spec.md 1); this only exists so a CTL_* frame on the resolver channel is not
// silently misrouted to the answer/trust-anchor paths.
func (f *Front) OnControl(payload []byte) {
	f.logf("CTL:relay %d bytes", len(payload))
}

func (f *Front) bumpAnswerError() {
	f.statsMu.Lock()
	f.answerErrors++
	f.statsMu.Unlock()
}

func (f *Front) bumpAnswered() {
	f.statsMu.Lock()
	f.answered++
	f.statsMu.Unlock()
}

var _ resolverchan.Handler = (*Front)(nil)

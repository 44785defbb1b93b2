/*
Package session implements the client-facing half of the front-end: spec.md 4.3's UDP session and
4.4's TCP session, both built on top of the screening in internal/wireguard, the correlation table in
internal/pending, and the resolver channel in internal/ipc/resolverchan.

Front is the single point where a resolver ANSWER (or a local failure) turns into bytes written back
to a client, for both transports - one struct that owns a stats block plus every collaborator a
request touches, reported as one Reporter.
*/
package session

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/unwindfront/unwindfront/internal/blocklist"
	"github.com/unwindfront/unwindfront/internal/concurrencytracker"
	"github.com/unwindfront/unwindfront/internal/connectiontracker"
	"github.com/unwindfront/unwindfront/internal/ipc/resolverchan"
	"github.com/unwindfront/unwindfront/internal/pending"
	"github.com/unwindfront/unwindfront/internal/trustanchor"
)

type stats struct {
	udpQueries   int
	tcpQueries   int
	drops        int
	rejects      int
	servedLocal  int
	answered     int
	answerErrors int
	tcpTimeouts  int
}

// Front ties the pending-query table, the blocklist, the trust-anchor store and the resolver channel
// together into the request lifecycle of spec.md 2's "Control flow" paragraph.
type Front struct {
	Stdout io.Writer

	LogClientIn  bool // Compact-print each accepted client query, teacher's cfg.logClientIn idiom
	LogClientOut bool // Compact-print each reply written to a client, teacher's cfg.logClientOut idiom

	// DebugQNames forces QI/QO logging for these qnames (dns.Fqdn form) even when LogClientIn/Out
	// are both off, for chasing one misbehaving name without turning on full query logging.
	DebugQNames map[string]bool

	pending   *pending.Table
	resolver  *resolverchan.Channel
	blocklist *blocklist.List
	anchors   *trustanchor.Store

	taFile *os.File // Destination for trust-anchor persistence, set by SetTrustAnchorFile

	taMu       sync.Mutex // Protects taSyncOpen and anchors' in-progress staging sequence
	taSyncOpen bool

	inFlight concurrencytracker.Counter // Peak concurrent pending queries, across both transports
	connTrk  *connectiontracker.Tracker // TCP connection lifecycle, reported alongside Front's own stats

	statsMu sync.Mutex
	stats
}

// NewFront constructs a Front. resolver must already be connected; bl may be nil to disable
// blocklisting (no front-end has been configured with one yet).
func NewFront(resolver *resolverchan.Channel, bl *blocklist.List, anchors *trustanchor.Store, stdout io.Writer) *Front {
	if bl == nil {
		bl = blocklist.New()
	}
	return &Front{
		pending:   pending.NewTable(),
		resolver:  resolver,
		blocklist: bl,
		anchors:   anchors,
		Stdout:    stdout,
		connTrk:   connectiontracker.New("TCP"),
	}
}

// SetTrustAnchorFile installs the fd the main channel delivered as TAFD (spec.md 4.6); subsequent
// NEW_TAS_DONE notifications are persisted to it.
func (f *Front) SetTrustAnchorFile(file *os.File) {
	f.taFile = file
}

// ReloadBlocklist replaces the blocklist wholesale from r, the commit point for a main-channel
// RECONF_CHUNK/RECONF_END reload (spec.md 4.6).
func (f *Front) ReloadBlocklist(r io.Reader) (loaded, duplicates int, err error) {
	return f.blocklist.Reload(r)
}

// BlocklistContains reports whether fqdn is currently blocked.
func (f *Front) BlocklistContains(fqdn string) bool {
	return f.blocklist.Contains(fqdn)
}

func (f *Front) logf(format string, args ...interface{}) {
	if f.Stdout != nil {
		fmt.Fprintf(f.Stdout, format+"\n", args...)
	}
}

// Name implements the reporter.Reporter interface.
func (f *Front) Name() string {
	return "Front"
}

// Report implements the reporter.Reporter interface.
func (f *Front) Report(resetCounters bool) string {
	f.statsMu.Lock()
	defer f.statsMu.Unlock()

	report := fmt.Sprintf("udp=%d tcp=%d drops=%d rejects=%d local=%d answered=%d answerErrs=%d tcpTimeouts=%d pending=%d peakConcurrency=%d",
		f.udpQueries, f.tcpQueries, f.drops, f.rejects, f.servedLocal, f.answered, f.answerErrors,
		f.tcpTimeouts, f.pending.Count(), f.inFlight.Peak(resetCounters))
	if resetCounters {
		f.stats = stats{}
	}

	return report
}

// ConnTracker returns the TCP connection-lifecycle tracker so it can be registered as its own
// reporter.Reporter alongside Front.
func (f *Front) ConnTracker() *connectiontracker.Tracker {
	return f.connTrk
}

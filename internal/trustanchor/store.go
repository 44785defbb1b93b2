/*
Package trustanchor implements the sorted DNSSEC trust-anchor set of spec.md 3 and 4.7. A trust
anchor sync is staged incrementally (one NEW_TA at a time) and only becomes visible when the sync
completes: diff_and_swap compares the fully-populated staging set against the current set and either
adopts it or discards it, then the set is always persisted so the backing file's mtime tracks
liveness even when the content is unchanged.

The sorted-slice-with-presence-map shape mirrors the staged wholesale-replace pattern used elsewhere
in this codebase for state that is rebuilt in full and swapped in atomically, substituting a single
mutex-protected slice for a server list.
*/
package trustanchor

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

// Store holds the current trust-anchor set plus an in-progress staging set. The zero value is not
// usable; construct with New. BeginSync/Add/AbortSync/DiffAndSwap are only ever called from the
// resolver-channel goroutine (spec.md 4.5's synchronization note), but Current and the Reporter
// methods may be called concurrently from the status-report loop, so mu protects all fields.
type Store struct {
	mu      sync.Mutex
	current []string
	staging []string
	present map[string]struct{} // Membership of staging, for add's duplicate check

	swapCount   int
	changeCount int
}

// New returns an empty Store with no current anchors.
func New() *Store {
	return &Store{}
}

// BeginSync starts a new staging set, discarding any incomplete staging set left over from an
// aborted prior sync.
func (t *Store) BeginSync() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.staging = nil
	t.present = make(map[string]struct{})
}

// AbortSync discards the staging set without touching current.
func (t *Store) AbortSync() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.staging = nil
	t.present = nil
}

// Add inserts anchor into the staging sequence in lexicographic order. Duplicates are silently
// dropped. BeginSync must have been called first.
func (t *Store) Add(anchor string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.present[anchor]; dup {
		return
	}
	t.present[anchor] = struct{}{}

	ix := sort.SearchStrings(t.staging, anchor)
	t.staging = append(t.staging, "")
	copy(t.staging[ix+1:], t.staging[ix:])
	t.staging[ix] = anchor
}

// DiffAndSwap compares the staging set built since BeginSync against current. On a pairwise mismatch
// or a length difference, current is replaced by staging and changed is true. Either way the staging
// set is cleared and current is returned for persistence.
func (t *Store) DiffAndSwap() (anchors []string, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed = len(t.staging) != len(t.current)
	if !changed {
		for i := range t.staging {
			if t.staging[i] != t.current[i] {
				changed = true
				break
			}
		}
	}

	if changed {
		t.current = t.staging
		t.changeCount++
	}
	t.staging = nil
	t.present = nil
	t.swapCount++

	return t.currentLocked(), changed
}

// Current returns a copy of the current anchor set, sorted.
func (t *Store) Current() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.currentLocked()
}

func (t *Store) currentLocked() []string {
	out := make([]string, len(t.current))
	copy(out, t.current)
	return out
}

// Persist writes one "anchor\n" line per current entry to w, per spec.md 4.7. It neither truncates
// nor syncs w: callers pass an *os.File already truncated and rewound on the trust-anchor fd, and
// fsync it after Persist returns, since io.Writer has no Sync method.
func (t *Store) Persist(w io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, a := range t.current {
		if _, err := fmt.Fprintf(w, "%s\n", a); err != nil {
			return err
		}
	}
	return nil
}

// Parse reads r to EOF, splits on newlines, and returns only the lines that parse as a DNSKEY RR,
// per spec.md 4.7. Lines that don't parse are silently skipped; a malformed trust-anchor file is not
// a fatal condition for the front-end, since the resolver is the authority on validation.
func Parse(r io.Reader) ([]string, error) {
	var anchors []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rr, err := dns.NewRR(line)
		if err != nil {
			continue
		}
		if _, ok := rr.(*dns.DNSKEY); !ok {
			continue
		}
		anchors = append(anchors, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return anchors, nil
}

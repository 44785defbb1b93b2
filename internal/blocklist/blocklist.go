/*
Package blocklist implements the case-insensitive set of FQDNs described in spec.md 3 and
4.8. A blocklist reload replaces the set wholesale - there is no incremental add/remove once the
front-end is running, matching spec.md 4.6's "BLFD: fd to the blocklist text file; on receipt,
replace the blocklist".

Membership is the only query this structure needs to answer (spec.md's Design Notes call out that a
hash set already satisfies every correctness property since only membership is queried), so it is
backed by a plain map rather than a balanced-tree structure.
*/
package blocklist

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

type stats struct {
	reloadCount    int
	duplicateCount int // Duplicate lines seen across all reloads
	lastEntryCount int
}

// List is the blocklist. The zero value is not usable; construct with New.
type List struct {
	mu sync.RWMutex
	m  map[string]struct{}

	stats
}

// New constructs an empty blocklist. Nothing is blocked until the first Reload.
func New() *List {
	return &List{m: make(map[string]struct{})}
}

// Contains reports whether fqdn is present, independent of case. fqdn is expected already in its
// rendered, dot-terminated wire form (spec.md 4.8: "Lookup on each query uses the already-rendered
// FQDN form of qname").
func (t *List) Contains(fqdn string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.m[strings.ToLower(fqdn)]
	return ok
}

// Count returns the number of entries currently loaded.
func (t *List) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.m)
}

// Reload replaces the entire blocklist from r, one name per line. Each line is normalized: a
// trailing newline is stripped, a trailing "." is appended if not already present, and the result
// is lower-cased for storage. Blank lines are skipped. Duplicate names within the same reload are
// counted but not treated as an error.
//
// Reload returns the number of entries loaded and the number of duplicate lines encountered.
func (t *List) Reload(r io.Reader) (loaded, duplicates int, err error) {
	fresh := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 {
			continue
		}
		if !strings.HasSuffix(line, ".") {
			line += "."
		}
		key := strings.ToLower(line)
		if _, exists := fresh[key]; exists {
			duplicates++
			continue
		}
		fresh[key] = struct{}{}
	}
	if err = scanner.Err(); err != nil {
		return 0, 0, err
	}

	t.mu.Lock()
	t.m = fresh
	t.reloadCount++
	t.duplicateCount += duplicates
	t.lastEntryCount = len(fresh)
	t.mu.Unlock()

	return len(fresh), duplicates, nil
}

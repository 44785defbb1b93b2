package pending

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
)

// Table is the pending-query table of spec.md 4.2: insert/lookup/remove by a random 64-bit id,
// plus iteration for diagnostics. Ids are never reused while the query they identify is live
// (invariant I1).
type Table struct {
	mu sync.Mutex
	m  map[uint64]*Query
}

// NewTable constructs an empty pending-query table.
func NewTable() *Table {
	return &Table{m: make(map[uint64]*Query)}
}

// maxIDRetries bounds the collision-retry loop in Insert. A collision on a 64-bit random space is
// astronomically unlikely; this only guards against a broken entropy source.
const maxIDRetries = 64

// Insert draws a fresh random id, assigns it to q, and adds q to the table. It retries on
// collision against currently live ids, satisfying spec.md 4.2's "rejects collisions by retry".
func (t *Table) Insert(q *Query) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < maxIDRetries; i++ {
		id, err := randomID()
		if err != nil {
			return fmt.Errorf("pending: Insert: %s", err.Error())
		}
		if _, exists := t.m[id]; exists {
			continue
		}
		q.ID = id
		t.m[id] = q
		return nil
	}

	return fmt.Errorf("pending: Insert: could not find a free id after %d attempts", maxIDRetries)
}

// Lookup returns the PendingQuery for id, or nil if none is live.
func (t *Table) Lookup(id uint64) *Query {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.m[id]
}

// Remove detaches q from the table. It is a no-op if q is not present (already removed).
func (t *Table) Remove(q *Query) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.m, q.ID)
}

// Count returns the number of currently live pending queries.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.m)
}

// Range calls fn for every live pending query, in unspecified order. fn must not call back into
// Insert/Lookup/Remove/Count on the same Table - the lock is held for the duration of Range.
func (t *Table) Range(fn func(*Query)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, q := range t.m {
		fn(q)
	}
}

// randomID draws a cryptographically random, non-zero uint64. Zero is avoided purely so a
// zero-valued Query{} (e.g. left over from a bug) is never mistaken for a live table entry.
func randomID() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint64(buf[:])
		if id != 0 {
			return id, nil
		}
	}
}

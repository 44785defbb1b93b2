package trustanchor

import "fmt"

// Name implements the reporter.Reporter interface.
func (t *Store) Name() string {
	return "TrustAnchor"
}

// Report implements the reporter.Reporter interface.
func (t *Store) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := fmt.Sprintf("anchors=%d syncs=%d changes=%d", len(t.current), t.swapCount, t.changeCount)
	if resetCounters {
		t.swapCount = 0
		t.changeCount = 0
	}

	return report
}

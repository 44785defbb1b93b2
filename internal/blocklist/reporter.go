package blocklist

import "fmt"

// Name implements the reporter.Reporter interface.
func (t *List) Name() string {
	return "Blocklist"
}

// Report implements the reporter.Reporter interface.
func (t *List) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := fmt.Sprintf("entries=%d reloads=%d dups=%d", t.lastEntryCount, t.reloadCount, t.duplicateCount)
	if resetCounters {
		t.reloadCount = 0
		t.duplicateCount = 0
	}

	return report
}

package routewatch

import "fmt"

// Name implements the reporter.Reporter interface.
func (w *Watcher) Name() string {
	return "RouteWatch"
}

// Report implements the reporter.Reporter interface.
func (w *Watcher) Report(resetCounters bool) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	report := fmt.Sprintf("dispatched=%d shortReads=%d versionSkips=%d badProposals=%d",
		w.dispatched, w.shortReads, w.versionSkips, w.badProposals)
	if resetCounters {
		w.stats = stats{}
	}
	return report
}

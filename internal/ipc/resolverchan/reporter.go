package resolverchan

import "fmt"

// Name implements the reporter.Reporter interface.
func (c *Channel) Name() string {
	return "ResolverChannel"
}

// Report implements the reporter.Reporter interface.
func (c *Channel) Report(resetCounters bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := fmt.Sprintf("queries=%d answers=%d decodeErrs=%d unknown=%d",
		c.queriesSent, c.answersRecv, c.decodeErrors, c.unknownKinds)
	if resetCounters {
		c.queriesSent = 0
		c.answersRecv = 0
		c.decodeErrors = 0
		c.unknownKinds = 0
	}

	return report
}

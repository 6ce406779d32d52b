package session

import "github.com/pulsebet/ledgersync/internal/domain"

// Monitor enforces time-bounded sessions without a push channel: presence is
// purely a function of successful polling cadence. Each successful balance
// poll ages the session by one; at the threshold the user is forced offline
// and the counter resets, in the same store write as the final balance.
type Monitor struct {
	threshold int
}

// NewMonitor creates a monitor. threshold is the number of successful polls
// before forced expiry (60 at a 30s cadence is roughly 30 minutes).
func NewMonitor(threshold int) *Monitor {
	return &Monitor{threshold: threshold}
}

// Advance computes the poll count and online flag to persist after one
// successful poll of u. Failed polls must not call Advance: failure never
// shortens a session, only successful cadence ages it out.
func (m *Monitor) Advance(u domain.EndUser) (pollCount int, online bool) {
	next := u.PollCount + 1
	if next >= m.threshold {
		return 0, false
	}
	return next, true
}

package network

import "time"

// pausedRecheckInterval is how often the dispatch loop re-checks Overflow
// while paused for memory pressure.
const pausedRecheckInterval = 50 * time.Millisecond

// pausedTick returns a channel that fires once after
// pausedRecheckInterval, used to poll Overflow without busy-spinning.
func pausedTick() <-chan time.Time {
	return time.After(pausedRecheckInterval)
}

package mailbox

import "go.uber.org/atomic"

// Stats summarizes the traffic of a Client.
type Stats struct {
	Tx          uint64
	Rx          uint64
	QueueFull   uint64
	Abandoned   uint64
	InFlight    int
	MaxInFlight int
}

type counters struct {
	tx          atomic.Uint64
	rx          atomic.Uint64
	queueFull   atomic.Uint64
	abandoned   atomic.Uint64
	maxInFlight atomic.Int64
}

func (c *counters) inFlight(n int) {
	for {
		m := c.maxInFlight.Load()
		if int64(n) <= m || c.maxInFlight.CAS(m, int64(n)) {
			return
		}
	}
}

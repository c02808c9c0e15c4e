package dispatch

import (
	"fmt"

	"go.uber.org/atomic"
)

// Statistics holds the server's counters: ActiveConnections and
// PendingRequests are gauges that rise and fall, the other three are
// monotonically-advancing totals. Every field is a typed atomic so
// readers never need
// a lock and writers never need to worry about accidentally using a
// non-atomic increment.
type Statistics struct {
	ActiveConnections     atomic.Int64
	PendingRequests       atomic.Int64
	TotalRequestsProcessed atomic.Int64
	ConnectionTimeouts    atomic.Int64
	RequestTimeouts       atomic.Int64
}

// Snapshot is a point-in-time copy of Statistics suitable for
// printing or returning from an API call.
type Snapshot struct {
	ActiveConnections      int64
	MaxConnections         int64
	PendingRequests        int64
	MaxRequests            int64
	TotalRequestsProcessed int64
	ConnectionTimeouts     int64
	RequestTimeouts        int64
}

func (s *Statistics) snapshot(maxConnections, maxRequests int) Snapshot {
	return Snapshot{
		ActiveConnections:      s.ActiveConnections.Load(),
		MaxConnections:         int64(maxConnections),
		PendingRequests:        s.PendingRequests.Load(),
		MaxRequests:            int64(maxRequests),
		TotalRequestsProcessed: s.TotalRequestsProcessed.Load(),
		ConnectionTimeouts:     s.ConnectionTimeouts.Load(),
		RequestTimeouts:        s.RequestTimeouts.Load(),
	}
}

// String renders the snapshot the same way the original's
// print_statistics() does, line for line.
func (s Snapshot) String() string {
	return fmt.Sprintf(
		"=== ServiceManager Statistics ===\n"+
			"Active connections: %d/%d\n"+
			"Pending requests: %d/%d\n"+
			"Total processed: %d\n"+
			"Connection timeouts: %d\n"+
			"Request timeouts: %d",
		s.ActiveConnections, s.MaxConnections,
		s.PendingRequests, s.MaxRequests,
		s.TotalRequestsProcessed,
		s.ConnectionTimeouts,
		s.RequestTimeouts,
	)
}

package health

import (
	"time"

	"cachering/internal/ring"
)

// Status is the health state of a node.
type Status int

const (
	Healthy Status = iota
	Unhealthy
	// Joining nodes are on the ring but still receiving their data. Probes
	// never promote them; only Admit or Demote does.
	Joining
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Unhealthy:
		return "UNHEALTHY"
	case Joining:
		return "JOINING"
	default:
		return "UNKNOWN"
	}
}

// Event describes a node changing health state.
type Event struct {
	Node ring.Node
	From Status
	To   Status
	At   time.Time
	// Err is the failure that caused a transition to Unhealthy.
	Err error
}

// Listener receives health transitions. Listeners run on a single dispatcher
// goroutine, so a slow listener delays later events.
type Listener func(Event)

// NodeHealth is a snapshot of what the monitor knows about a node.
type NodeHealth struct {
	Node                ring.Node
	Status              Status
	ConsecutiveFailures int
	Latency             time.Duration // exponentially weighted average
	LastProbe           time.Time
	LastError           string
	Score               float64
}

package clock

import (
	"fmt"
	"sync"
	"time"
)

// Version stamps a single write.
// The zero Version is older than any issued stamp.
type Version struct {
	Timestamp int64  // unix nanoseconds, monotonic per Clock
	Origin    string // issuer identity, tie-breaker
}

// IsZero reports whether v was never issued.
func (v Version) IsZero() bool {
	return v.Timestamp == 0 && v.Origin == ""
}

// CompareResult represents the result of comparing two versions.
type CompareResult int

const (
	// Before indicates this version is older than the other.
	Before CompareResult = iota
	// After indicates this version is newer than the other.
	After
	// Equal indicates both versions are the same stamp.
	Equal
)

func (r CompareResult) String() string {
	switch r {
	case Before:
		return "before"
	case After:
		return "after"
	case Equal:
		return "equal"
	default:
		return "unknown"
	}
}

// Compare orders v against other by timestamp, then by origin.
func (v Version) Compare(other Version) CompareResult {
	switch {
	case v.Timestamp < other.Timestamp:
		return Before
	case v.Timestamp > other.Timestamp:
		return After
	case v.Origin < other.Origin:
		return Before
	case v.Origin > other.Origin:
		return After
	default:
		return Equal
	}
}

// Dominates returns true if v is strictly newer than other.
func (v Version) Dominates(other Version) bool {
	return v.Compare(other) == After
}

// String returns a string representation of the version.
func (v Version) String() string {
	if v.IsZero() {
		return "{}"
	}
	return fmt.Sprintf("{%d@%s}", v.Timestamp, v.Origin)
}

// Clock issues strictly increasing versions for one origin, even when the
// wall clock stalls or steps backwards.
type Clock struct {
	mu     sync.Mutex
	origin string
	last   int64
	now    func() time.Time
}

// New creates a clock issuing versions for origin.
func New(origin string) *Clock {
	return &Clock{origin: origin, now: time.Now}
}

// NewWithSource creates a clock reading wall time from now. Used by tests.
func NewWithSource(origin string, now func() time.Time) *Clock {
	return &Clock{origin: origin, now: now}
}

// Origin returns the identity stamped on issued versions.
func (c *Clock) Origin() string {
	return c.origin
}

// Next issues a new version newer than every version issued or observed so far.
func (c *Clock) Next() Version {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixNano()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return Version{Timestamp: ts, Origin: c.origin}
}

// Observe advances the clock past a version seen from another origin.
func (c *Clock) Observe(v Version) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v.Timestamp > c.last {
		c.last = v.Timestamp
	}
}

package storage

import (
	"time"

	"cachering/internal/clock"
)

// Entry is a cached value together with its expiry and version.
type Entry struct {
	Key        string
	Value      []byte
	ExpireAt   time.Time // zero means the entry never expires
	LastAccess time.Time
	Version    clock.Version
}

// Expired reports whether the entry is logically absent at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpireAt.IsZero() && now.After(e.ExpireAt)
}

// TTL returns the time left before expiry, or 0 if the entry never expires.
// An expired entry reports a negative duration.
func (e *Entry) TTL(now time.Time) time.Duration {
	if e.ExpireAt.IsZero() {
		return 0
	}
	return e.ExpireAt.Sub(now)
}

func (e *Entry) clone() Entry {
	c := *e
	c.Value = append([]byte(nil), e.Value...)
	return c
}

// entryOverhead approximates the per-entry bookkeeping cost in bytes.
const entryOverhead = 96

func (e *Entry) size() int64 {
	return int64(len(e.Key) + len(e.Value) + len(e.Version.Origin) + entryOverhead)
}

// expireAt converts a relative ttl into an absolute deadline.
func expireAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

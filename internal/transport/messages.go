package transport

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"cachering/internal/clock"
	"cachering/internal/storage"
)

// message is implemented by every type sent through the cachewire codec.
type message interface {
	marshal() []byte
	unmarshal(b []byte) error
}

// Entry is the wire form of a cache entry. TTL is relative to the receiver's
// clock so nodes with skewed clocks still agree on the remaining lifetime.
type Entry struct {
	Key           string
	Value         []byte
	TTLMillis     int64 // 0 never expires, negative already expired
	VersionTS     int64
	VersionOrigin string
}

func (m *Entry) marshal() []byte {
	var e encoder
	e.string(1, m.Key)
	e.bytes(2, m.Value)
	e.int64(3, m.TTLMillis)
	e.int64(4, m.VersionTS)
	e.string(5, m.VersionOrigin)
	return e.b
}

func (m *Entry) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Key)
		case 2:
			return consumeBytes(typ, b, &m.Value)
		case 3:
			return consumeInt64(typ, b, &m.TTLMillis)
		case 4:
			return consumeInt64(typ, b, &m.VersionTS)
		case 5:
			return consumeString(typ, b, &m.VersionOrigin)
		}
		return 0
	})
}

// TTL returns the relative lifetime carried by the entry.
func (m *Entry) TTL() time.Duration {
	return time.Duration(m.TTLMillis) * time.Millisecond
}

// Version returns the version stamp carried by the entry.
func (m *Entry) Version() clock.Version {
	return clock.Version{Timestamp: m.VersionTS, Origin: m.VersionOrigin}
}

// EntryToWire converts a stored entry, computing its remaining TTL at now.
func EntryToWire(e storage.Entry, now time.Time) *Entry {
	w := &Entry{
		Key:           e.Key,
		Value:         e.Value,
		VersionTS:     e.Version.Timestamp,
		VersionOrigin: e.Version.Origin,
	}
	if !e.ExpireAt.IsZero() {
		left := e.ExpireAt.Sub(now)
		switch {
		case left <= 0:
			w.TTLMillis = -1
		case left < time.Millisecond:
			w.TTLMillis = 1
		default:
			w.TTLMillis = left.Milliseconds()
		}
	}
	return w
}

// EntryFromWire converts a wire entry into a storage entry anchored at now.
func EntryFromWire(w *Entry, now time.Time) storage.Entry {
	e := storage.Entry{
		Key:     w.Key,
		Value:   w.Value,
		Version: w.Version(),
	}
	if w.TTLMillis != 0 {
		e.ExpireAt = now.Add(w.TTL())
	}
	return e
}

// KeyRequest addresses a single key. Used by Get, Delete and Exists.
type KeyRequest struct {
	Key string
}

func (m *KeyRequest) marshal() []byte {
	var e encoder
	e.string(1, m.Key)
	return e.b
}

func (m *KeyRequest) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return consumeString(typ, b, &m.Key)
		}
		return 0
	})
}

// GetResponse answers Get. Entry is nil on a miss.
type GetResponse struct {
	Entry *Entry
}

func (m *GetResponse) marshal() []byte {
	var e encoder
	if m.Entry != nil {
		e.message(1, m.Entry)
	}
	return e.b
}

func (m *GetResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			m.Entry = new(Entry)
			return consumeMessage(typ, b, m.Entry)
		}
		return 0
	})
}

// ExistsResponse answers Exists.
type ExistsResponse struct {
	Found bool
}

func (m *ExistsResponse) marshal() []byte {
	var e encoder
	e.bool(1, m.Found)
	return e.b
}

func (m *ExistsResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			var v int64
			n := consumeInt64(typ, b, &v)
			m.Found = v != 0
			return n
		}
		return 0
	})
}

// Empty is sent where an operation has nothing to say.
type Empty struct{}

func (m *Empty) marshal() []byte { return nil }

func (m *Empty) unmarshal(b []byte) error {
	return walk(b, func(protowire.Number, protowire.Type, []byte) int { return 0 })
}

// EntryList carries a batch of entries: the reply of Entries and the
// request of Apply.
type EntryList struct {
	Entries []*Entry
}

func (m *EntryList) marshal() []byte {
	var e encoder
	for _, entry := range m.Entries {
		e.message(1, entry)
	}
	return e.b
}

func (m *EntryList) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			entry := new(Entry)
			n := consumeMessage(typ, b, entry)
			if n > 0 {
				m.Entries = append(m.Entries, entry)
			}
			return n
		}
		return 0
	})
}

// ApplyResponse reports how many entries of an Apply were taken.
type ApplyResponse struct {
	Applied int64
}

func (m *ApplyResponse) marshal() []byte {
	var e encoder
	e.int64(1, m.Applied)
	return e.b
}

func (m *ApplyResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return consumeInt64(typ, b, &m.Applied)
		}
		return 0
	})
}

// StatsResponse mirrors storage.Stats.
type StatsResponse struct {
	Entries     int64
	MemoryBytes int64
	Hits        int64
	Misses      int64
	Expirations int64
	Sweeps      int64
}

func (m *StatsResponse) marshal() []byte {
	var e encoder
	e.int64(1, m.Entries)
	e.int64(2, m.MemoryBytes)
	e.int64(3, m.Hits)
	e.int64(4, m.Misses)
	e.int64(5, m.Expirations)
	e.int64(6, m.Sweeps)
	return e.b
}

func (m *StatsResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeInt64(typ, b, &m.Entries)
		case 2:
			return consumeInt64(typ, b, &m.MemoryBytes)
		case 3:
			return consumeInt64(typ, b, &m.Hits)
		case 4:
			return consumeInt64(typ, b, &m.Misses)
		case 5:
			return consumeInt64(typ, b, &m.Expirations)
		case 6:
			return consumeInt64(typ, b, &m.Sweeps)
		}
		return 0
	})
}

func statsToWire(s storage.Stats) *StatsResponse {
	return &StatsResponse{
		Entries:     int64(s.Entries),
		MemoryBytes: s.MemoryBytes,
		Hits:        int64(s.Hits),
		Misses:      int64(s.Misses),
		Expirations: int64(s.Expirations),
		Sweeps:      int64(s.Sweeps),
	}
}

func statsFromWire(m *StatsResponse) storage.Stats {
	return storage.Stats{
		Entries:     int(m.Entries),
		MemoryBytes: m.MemoryBytes,
		Hits:        uint64(m.Hits),
		Misses:      uint64(m.Misses),
		Expirations: uint64(m.Expirations),
		Sweeps:      uint64(m.Sweeps),
	}
}

package storage

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cachering/internal/clock"
	"cachering/internal/logging"
)

// DefaultSweepInterval is how often the background sweeper purges expired
// entries.
const DefaultSweepInterval = 60 * time.Second

// Stats is a point-in-time view of store usage.
type Stats struct {
	Entries     int
	MemoryBytes int64
	Hits        uint64
	Misses      uint64
	Expirations uint64
	Sweeps      uint64
}

// HitRatio returns hits / (hits + misses), or 0 before any read.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type options struct {
	origin        string
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures a Store.
type Option func(*options)

// WithOrigin sets the identity stamped on versions of unversioned writes.
func WithOrigin(origin string) Option {
	return func(o *options) { o.origin = origin }
}

// WithSweepInterval sets the background sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

// WithNow replaces the wall clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Store is an in-memory, TTL-aware key-value store.
// It is safe for concurrent use.
type Store struct {
	opts  options
	clock *clock.Clock

	mu     sync.Mutex
	data   map[string]*Entry
	memory int64

	hits, misses, expirations, sweeps atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewStore creates an empty store. Call Start to run the sweeper.
func NewStore(opts ...Option) *Store {
	o := options{
		origin:        "local",
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Op()
	}
	return &Store{
		opts:   o,
		clock:  clock.NewWithSource(o.origin, o.now),
		data:   make(map[string]*Entry),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Put stores value under key, stamped with a fresh local version.
// A ttl <= 0 means the entry never expires.
func (s *Store) Put(key string, value []byte, ttl time.Duration) clock.Version {
	version := s.clock.Next()
	s.PutVersioned(key, value, ttl, version)
	return version
}

// PutVersioned stores value under key unless the live entry carries a newer
// version. It reports whether the write was applied.
func (s *Store) PutVersioned(key string, value []byte, ttl time.Duration, version clock.Version) bool {
	now := s.opts.now()
	return s.apply(&Entry{
		Key:        key,
		Value:      append([]byte(nil), value...),
		ExpireAt:   expireAt(now, ttl),
		LastAccess: now,
		Version:    version,
	}, now)
}

// Merge applies entries received from another node with last-write-wins
// semantics. Expired entries are skipped. It returns the number applied.
func (s *Store) Merge(entries []Entry) int {
	now := s.opts.now()
	applied := 0
	for i := range entries {
		e := entries[i].clone()
		if e.Expired(now) {
			continue
		}
		e.LastAccess = now
		if s.apply(&e, now) {
			applied++
		}
	}
	return applied
}

func (s *Store) apply(e *Entry, now time.Time) bool {
	s.clock.Observe(e.Version)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data[e.Key]; ok {
		if !existing.Expired(now) && existing.Version.Dominates(e.Version) {
			return false
		}
		s.memory -= existing.size()
	}
	s.data[e.Key] = e
	s.memory += e.size()
	return true
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, bool) {
	e, ok := s.Lookup(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Lookup returns a copy of the live entry stored under key and refreshes its
// last access time. Expired entries are removed on the way.
func (s *Store) Lookup(key string) (Entry, bool) {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key, now)
	if !ok {
		s.misses.Add(1)
		return Entry{}, false
	}
	s.hits.Add(1)
	e.LastAccess = now
	return e.clone(), true
}

// Exists reports whether key holds a live entry. It does not count as a read
// for hit statistics and does not refresh the last access time.
func (s *Store) Exists(key string) bool {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(key, now)
	return ok
}

// Delete removes key. It reports whether a live entry was removed.
func (s *Store) Delete(key string) bool {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return false
	}
	s.remove(e)
	return !e.Expired(now)
}

// live returns the entry for key, dropping it if expired.
// s.mu must be held.
func (s *Store) live(key string, now time.Time) (*Entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if e.Expired(now) {
		s.remove(e)
		s.expirations.Add(1)
		return nil, false
	}
	return e, true
}

// s.mu must be held.
func (s *Store) remove(e *Entry) {
	delete(s.data, e.Key)
	s.memory -= e.size()
}

// Entries returns copies of all live entries.
func (s *Store) Entries() []Entry {
	now := s.opts.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.data))
	for _, e := range s.data {
		if e.Expired(now) {
			continue
		}
		out = append(out, e.clone())
	}
	return out
}

// Len returns the number of stored entries, including expired entries that
// have not been purged yet.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Stats returns usage statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	entries, memory := len(s.data), s.memory
	s.mu.Unlock()

	return Stats{
		Entries:     entries,
		MemoryBytes: memory,
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Expirations: s.expirations.Load(),
		Sweeps:      s.sweeps.Load(),
	}
}

// Sweep removes every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.opts.now()

	s.mu.Lock()
	removed := 0
	for _, e := range s.data {
		if e.Expired(now) {
			s.remove(e)
			removed++
		}
	}
	s.mu.Unlock()

	s.sweeps.Add(1)
	s.expirations.Add(uint64(removed))
	return removed
}

// Start launches the background sweeper. It is a no-op after the first call.
func (s *Store) Start() {
	s.startOnce.Do(func() {
		go s.sweepLoop()
	})
}

// Stop halts the sweeper and waits for it to exit.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	started := true
	s.startOnce.Do(func() { started = false })
	if started {
		<-s.doneCh
	}
}

func (s *Store) sweepLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.opts.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.opts.logger.Debug("swept expired entries", "origin", s.opts.origin, "removed", n)
			}
		}
	}
}

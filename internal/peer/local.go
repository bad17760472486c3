package peer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"cachering/internal/clock"
	"cachering/internal/storage"
)

// Local adapts an in-process store to Client. It can be switched down to
// simulate a failed node.
type Local struct {
	id    string
	store *storage.Store
	down  atomic.Bool
	delay atomic.Int64 // nanoseconds added to every call
}

var _ Client = (*Local)(nil)

// NewLocal wraps store as the node id.
func NewLocal(id string, store *storage.Store) *Local {
	return &Local{id: id, store: store}
}

// Store returns the wrapped store.
func (l *Local) Store() *storage.Store {
	return l.store
}

// SetDown makes every call fail with ErrUnavailable while down is true.
func (l *Local) SetDown(down bool) {
	l.down.Store(down)
}

// SetDelay adds latency to every call.
func (l *Local) SetDelay(d time.Duration) {
	l.delay.Store(int64(d))
}

func (l *Local) check(ctx context.Context) error {
	if d := time.Duration(l.delay.Load()); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.down.Load() {
		return fmt.Errorf("%w: %s", ErrUnavailable, l.id)
	}
	return nil
}

func (l *Local) Put(ctx context.Context, key string, value []byte, ttl time.Duration, version clock.Version) error {
	if err := l.check(ctx); err != nil {
		return err
	}
	if version.IsZero() {
		l.store.Put(key, value, ttl)
		return nil
	}
	l.store.PutVersioned(key, value, ttl, version)
	return nil
}

func (l *Local) Get(ctx context.Context, key string) (storage.Entry, bool, error) {
	if err := l.check(ctx); err != nil {
		return storage.Entry{}, false, err
	}
	e, ok := l.store.Lookup(key)
	return e, ok, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	if err := l.check(ctx); err != nil {
		return err
	}
	l.store.Delete(key)
	return nil
}

func (l *Local) Exists(ctx context.Context, key string) (bool, error) {
	if err := l.check(ctx); err != nil {
		return false, err
	}
	return l.store.Exists(key), nil
}

func (l *Local) Entries(ctx context.Context) ([]storage.Entry, error) {
	if err := l.check(ctx); err != nil {
		return nil, err
	}
	return l.store.Entries(), nil
}

func (l *Local) Apply(ctx context.Context, entries []storage.Entry) (int, error) {
	if err := l.check(ctx); err != nil {
		return 0, err
	}
	return l.store.Merge(entries), nil
}

func (l *Local) Stats(ctx context.Context) (storage.Stats, error) {
	if err := l.check(ctx); err != nil {
		return storage.Stats{}, err
	}
	return l.store.Stats(), nil
}

// Close is a no-op; the store belongs to the caller.
func (l *Local) Close() error {
	return nil
}

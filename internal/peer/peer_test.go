package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachering/internal/clock"
	"cachering/internal/ring"
	"cachering/internal/storage"
)

func TestLocal(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		// Arrange
		l := NewLocal("n1", storage.NewStore(storage.WithOrigin("n1")))

		// Act
		require.NoError(t, l.Put(ctx, "k", []byte("v"), 0, clock.Version{}))
		e, ok, err := l.Get(ctx, "k")

		// Assert
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v", string(e.Value))
		assert.Equal(t, "n1", e.Version.Origin, "unversioned writes are stamped by the node")

		exists, err := l.Exists(ctx, "k")
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, l.Delete(ctx, "k"))
		_, ok, err = l.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("versioned put keeps newest", func(t *testing.T) {
		l := NewLocal("n1", storage.NewStore())
		newer := clock.Version{Timestamp: 2, Origin: "c"}

		require.NoError(t, l.Put(ctx, "k", []byte("new"), 0, newer))
		require.NoError(t, l.Put(ctx, "k", []byte("old"), 0, clock.Version{Timestamp: 1, Origin: "c"}))

		e, _, _ := l.Get(ctx, "k")
		assert.Equal(t, "new", string(e.Value))
		assert.Equal(t, newer, e.Version)
	})

	t.Run("down node fails every call", func(t *testing.T) {
		l := NewLocal("n1", storage.NewStore())
		l.SetDown(true)

		err := l.Put(ctx, "k", []byte("v"), 0, clock.Version{})
		assert.ErrorIs(t, err, ErrUnavailable)
		_, _, err = l.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrUnavailable)
		_, err = l.Entries(ctx)
		assert.ErrorIs(t, err, ErrUnavailable)

		l.SetDown(false)
		assert.NoError(t, l.Put(ctx, "k", []byte("v"), 0, clock.Version{}))
	})

	t.Run("delay honours context deadline", func(t *testing.T) {
		l := NewLocal("n1", storage.NewStore())
		l.SetDelay(time.Second)

		ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := l.Exists(ctx, "k")
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})

	t.Run("apply and stats", func(t *testing.T) {
		l := NewLocal("n1", storage.NewStore())
		n, err := l.Apply(ctx, []storage.Entry{
			{Key: "a", Value: []byte("1"), Version: clock.Version{Timestamp: 1, Origin: "x"}},
			{Key: "b", Value: []byte("2"), Version: clock.Version{Timestamp: 1, Origin: "x"}},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		stats, err := l.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Entries)

		entries, err := l.Entries(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})
}

type closeCounter struct {
	*Local
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("dials once per node", func(t *testing.T) {
		// Arrange
		dials := 0
		reg := NewRegistry(func(ctx context.Context, node ring.Node) (Client, error) {
			dials++
			return NewLocal(node.ID, storage.NewStore()), nil
		})
		node := ring.Node{ID: "n1", Host: "127.0.0.1", Port: 1}

		// Act
		c1, err1 := reg.Client(ctx, node)
		c2, err2 := reg.Client(ctx, node)

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Same(t, c1, c2)
		assert.Equal(t, 1, dials)
	})

	t.Run("address change redials and closes the old client", func(t *testing.T) {
		var created []*closeCounter
		reg := NewRegistry(func(ctx context.Context, node ring.Node) (Client, error) {
			c := &closeCounter{Local: NewLocal(node.ID, storage.NewStore())}
			created = append(created, c)
			return c, nil
		})

		_, err := reg.Client(ctx, ring.Node{ID: "n1", Host: "a", Port: 1})
		require.NoError(t, err)
		_, err = reg.Client(ctx, ring.Node{ID: "n1", Host: "b", Port: 1})
		require.NoError(t, err)

		require.Len(t, created, 2)
		assert.Equal(t, 1, created[0].closed)
		assert.Equal(t, 0, created[1].closed)

		reg.Remove("n1")
		assert.Equal(t, 1, created[1].closed)
	})

	t.Run("dial failure", func(t *testing.T) {
		reg := NewRegistry(func(ctx context.Context, node ring.Node) (Client, error) {
			return nil, errors.New("refused")
		})
		_, err := reg.Client(ctx, ring.Node{ID: "n1"})
		assert.Error(t, err)
	})

	t.Run("registered clients without dialer", func(t *testing.T) {
		reg := NewRegistry(nil)
		node := ring.Node{ID: "n1", Host: "127.0.0.1", Port: 1}
		local := NewLocal("n1", storage.NewStore())
		reg.Register(node, local)

		c, err := reg.Client(ctx, node)
		require.NoError(t, err)
		assert.Same(t, local, c)

		_, err = reg.Client(ctx, ring.Node{ID: "n2"})
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.NoError(t, reg.Close())
	})
}

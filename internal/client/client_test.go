package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachering/internal/health"
	"cachering/internal/logging"
	"cachering/internal/peer"
	"cachering/internal/ring"
	"cachering/internal/storage"
)

type cluster struct {
	ring    *ring.Ring
	locals  map[string]*peer.Local
	monitor *health.Monitor
	client  *Client

	mu       sync.Mutex
	resolved map[string]int
}

func newCluster(t *testing.T, n int, opts ...Option) *cluster {
	t.Helper()
	c := &cluster{
		ring:     ring.NewRing(ring.WithVNodes(32)),
		locals:   make(map[string]*peer.Local),
		resolved: make(map[string]int),
	}
	resolve := func(ctx context.Context, node ring.Node) (peer.Client, error) {
		c.mu.Lock()
		c.resolved[node.ID]++
		c.mu.Unlock()
		l, ok := c.locals[node.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", peer.ErrUnavailable, node.ID)
		}
		return l, nil
	}
	c.monitor = health.NewMonitor(resolve, health.WithLogger(logging.Discard()))
	t.Cleanup(c.monitor.Stop)

	for i := 0; i < n; i++ {
		node := ring.Node{ID: fmt.Sprintf("n%d", i+1), Host: "127.0.0.1", Port: 7000 + i}
		c.locals[node.ID] = peer.NewLocal(node.ID, storage.NewStore())
		c.ring.AddNode(node)
		c.monitor.Track(node, health.Healthy)
	}

	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	c.client = New(c.ring, resolve, c.monitor, opts...)
	t.Cleanup(c.client.Close)
	return c
}

// settle waits until n stores hold key.
func (c *cluster) settle(t *testing.T, key string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.holders(key)) == n }, time.Second, 5*time.Millisecond)
}

// holders returns the IDs of the nodes whose store holds key.
func (c *cluster) holders(key string) []string {
	var ids []string
	for _, n := range c.ring.Nodes() {
		if c.locals[n.ID].Store().Exists(key) {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

func TestClient_PutGet(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()

	require.NoError(t, c.client.Put(ctx, "a", []byte("1"), 0))
	c.settle(t, "a", 3)

	v, ok, err := c.client.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	exists, err := c.client.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, exists)

	_, ok, err = c.client.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_PutReachesEveryReplica(t *testing.T) {
	c := newCluster(t, 5)
	ctx := context.Background()

	require.NoError(t, c.client.Put(ctx, "k", []byte("v"), 0))

	want := make([]string, 0, 3)
	for _, n := range c.ring.ReplicaNodes("k", 3) {
		want = append(want, n.ID)
	}
	assert.Eventually(t, func() bool { return len(c.holders("k")) == len(want) }, time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, want, c.holders("k"))
}

func TestClient_ReplicasShareVersion(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	require.NoError(t, c.client.Put(ctx, "k", []byte("v"), 0))

	c.settle(t, "k", 3)
	var versions []string
	for _, l := range c.locals {
		e, ok := l.Store().Lookup("k")
		require.True(t, ok)
		versions = append(versions, e.Version.String())
	}
	assert.Equal(t, versions[0], versions[1])
	assert.Equal(t, versions[1], versions[2])
}

func TestClient_TTLExpiry(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()

	require.NoError(t, c.client.Put(ctx, "k", []byte("v"), 200*time.Millisecond))
	c.settle(t, "k", 3)
	_, ok, err := c.client.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(300 * time.Millisecond)

	_, ok, err = c.client.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_OverwriteWins(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()

	require.NoError(t, c.client.Put(ctx, "k", []byte("old"), 0))
	require.NoError(t, c.client.Put(ctx, "k", []byte("new"), 0))

	assert.Eventually(t, func() bool {
		for _, l := range c.locals {
			v, ok := l.Store().Get("k")
			if !ok || string(v) != "new" {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestClient_AvailableWithOneReplicaDown(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()

	owner, ok := c.ring.Owner("k")
	require.True(t, ok)
	c.locals[owner.ID].SetDown(true)

	require.NoError(t, c.client.Put(ctx, "k", []byte("v"), 0))
	c.settle(t, "k", 2)

	v, ok, err := c.client.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	// the failed write marked the owner unhealthy
	assert.Eventually(t, func() bool { return !c.monitor.IsHealthy(owner.ID) }, time.Second, 10*time.Millisecond)
	for _, n := range c.client.Replicas("k") {
		assert.NotEqual(t, owner.ID, n.ID)
	}
}

func TestClient_PutUnavailable(t *testing.T) {
	t.Run("all replicas down", func(t *testing.T) {
		c := newCluster(t, 3)
		for _, l := range c.locals {
			l.SetDown(true)
		}
		err := c.client.Put(context.Background(), "k", []byte("v"), 0)
		assert.ErrorIs(t, err, ErrCacheUnavailable)
	})

	t.Run("empty ring", func(t *testing.T) {
		c := newCluster(t, 0)
		err := c.client.Put(context.Background(), "k", []byte("v"), 0)
		assert.ErrorIs(t, err, ErrCacheUnavailable)
	})

	t.Run("every replica unhealthy", func(t *testing.T) {
		c := newCluster(t, 2)
		c.monitor.ReportFailure("n1", errors.New("boom"))
		c.monitor.ReportFailure("n2", errors.New("boom"))
		err := c.client.Put(context.Background(), "k", []byte("v"), 0)
		assert.ErrorIs(t, err, ErrCacheUnavailable)
		assert.Empty(t, c.holders("k"))
	})
}

func TestClient_PutAckTimeout(t *testing.T) {
	c := newCluster(t, 2, WithWriteAckTimeout(50*time.Millisecond), WithRequestTimeout(time.Second))
	for _, l := range c.locals {
		l.SetDelay(300 * time.Millisecond)
	}

	start := time.Now()
	err := c.client.Put(context.Background(), "k", []byte("v"), 0)
	assert.ErrorIs(t, err, ErrCacheUnavailable)
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	// slow writes still land
	assert.Eventually(t, func() bool { return len(c.holders("k")) == 2 }, 2*time.Second, 20*time.Millisecond)
}

func TestClient_LateWriteFailureAfterCancel(t *testing.T) {
	c := newCluster(t, 3, WithRequestTimeout(200*time.Millisecond))
	replicas := c.client.Replicas("k")
	require.Len(t, replicas, 3)
	hung := replicas[2]
	for _, n := range replicas {
		if n.ID != hung.ID {
			c.locals[n.ID].SetDelay(10 * time.Millisecond)
		}
	}
	c.locals[hung.ID].SetDelay(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.client.Put(ctx, "k", []byte("v"), 0))
	cancel()

	// the hung replica times out after the caller has gone away
	assert.Eventually(t, func() bool { return !c.monitor.IsHealthy(hung.ID) }, time.Second, 10*time.Millisecond)
}

func TestClient_ReadErrorMarksNodeUnhealthy(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	require.NoError(t, c.client.Put(ctx, "k", []byte("v"), 0))
	c.settle(t, "k", 3)

	first := c.client.Replicas("k")[0]
	c.locals[first.ID].SetDown(true)

	v, ok, err := c.client.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.False(t, c.monitor.IsHealthy(first.ID))
}

func TestClient_GetAllReplicasDownIsMiss(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	require.NoError(t, c.client.Put(ctx, "k", []byte("v"), 0))
	c.settle(t, "k", 3)

	for _, l := range c.locals {
		l.SetDown(true)
	}
	_, ok, err := c.client.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, c.monitor.HealthyCount())

	// nobody left to ask
	_, ok, err = c.client.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_GetSkipsUnhealthy(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	require.NoError(t, c.client.Put(ctx, "k", []byte("v"), 0))
	c.settle(t, "k", 3)

	c.monitor.ReportFailure("n2", errors.New("boom"))
	c.mu.Lock()
	before := c.resolved["n2"]
	c.mu.Unlock()

	_, ok, err := c.client.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, before, c.resolved["n2"])
}

func TestClient_RaceMode(t *testing.T) {
	c := newCluster(t, 3, WithReadMode(ReadRace))
	ctx := context.Background()
	require.NoError(t, c.client.Put(ctx, "k", []byte("v"), 0))
	c.settle(t, "k", 3)

	// the slow node must not hold the read back
	first := c.client.Replicas("k")[0]
	c.locals[first.ID].SetDelay(500 * time.Millisecond)

	start := time.Now()
	v, ok, err := c.client.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	// a loser cancelled by the winner is not a failure
	assert.True(t, c.monitor.IsHealthy(first.ID))
}

func TestClient_ReadRepair(t *testing.T) {
	c := newCluster(t, 3, WithReadRepair(true))
	ctx := context.Background()

	replicas := c.client.Replicas("k")
	require.Len(t, replicas, 3)
	last := replicas[2]
	c.locals[last.ID].Store().Put("k", []byte("v"), 0)

	v, ok, err := c.client.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	c.client.Close()
	assert.ElementsMatch(t, []string{"n1", "n2", "n3"}, c.holders("k"))

	e0, _ := c.locals[last.ID].Store().Lookup("k")
	e1, _ := c.locals[replicas[0].ID].Store().Lookup("k")
	assert.Equal(t, e0.Version, e1.Version)
}

func TestClient_Delete(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	require.NoError(t, c.client.Put(ctx, "k", []byte("v"), 0))
	c.settle(t, "k", 3)

	require.NoError(t, c.client.Delete(ctx, "k"))
	assert.Empty(t, c.holders("k"))

	_, ok, err := c.client.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_DeleteBestEffort(t *testing.T) {
	c := newCluster(t, 3)
	ctx := context.Background()
	require.NoError(t, c.client.Put(ctx, "k", []byte("v"), 0))
	c.settle(t, "k", 3)

	c.locals["n1"].SetDown(true)
	assert.NoError(t, c.client.Delete(ctx, "k"))
	assert.Equal(t, []string{"n1"}, c.holders("k"))
	assert.False(t, c.monitor.IsHealthy("n1"))

	// deleting a missing key is fine too
	assert.NoError(t, c.client.Delete(ctx, "never-set"))
}

func TestClient_EmptyKey(t *testing.T) {
	c := newCluster(t, 1)
	ctx := context.Background()

	assert.ErrorIs(t, c.client.Put(ctx, "", []byte("v"), 0), ErrEmptyKey)
	_, _, err := c.client.Get(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = c.client.Exists(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyKey)
	assert.ErrorIs(t, c.client.Delete(ctx, ""), ErrEmptyKey)
}

func TestClient_NilHealthTracker(t *testing.T) {
	r := ring.NewRing()
	local := peer.NewLocal("n1", storage.NewStore())
	r.AddNode(ring.Node{ID: "n1", Host: "127.0.0.1", Port: 7000})
	resolve := func(ctx context.Context, node ring.Node) (peer.Client, error) { return local, nil }

	c := New(r, resolve, nil, WithLogger(logging.Discard()))
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), "k", []byte("v"), 0))
	v, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestParseReadMode(t *testing.T) {
	tests := []struct {
		in   string
		want ReadMode
		ok   bool
	}{
		{"", ReadSequential, true},
		{"sequential", ReadSequential, true},
		{"race", ReadRace, true},
		{"fastest", ReadSequential, false},
	}
	for _, tt := range tests {
		got, ok := ParseReadMode(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
	assert.Equal(t, "race", ReadRace.String())
}

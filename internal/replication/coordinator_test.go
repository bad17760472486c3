package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachering/internal/clock"
	"cachering/internal/health"
	"cachering/internal/logging"
	"cachering/internal/peer"
	"cachering/internal/ring"
	"cachering/internal/storage"
)

type fakeHealth struct {
	mu   sync.Mutex
	down map[string]bool
}

func (f *fakeHealth) Eligible(n ring.Node) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.down[n.ID]
}

func (f *fakeHealth) set(id string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[id] = down
}

type cluster struct {
	ring   *ring.Ring
	health *fakeHealth
	locals map[string]*peer.Local
	coord  *Coordinator
	clock  *clock.Clock
}

func newCluster(t *testing.T, ids []string, opts ...Option) *cluster {
	t.Helper()
	c := &cluster{
		ring:   ring.NewRing(ring.WithVNodes(32)),
		health: &fakeHealth{down: map[string]bool{}},
		locals: map[string]*peer.Local{},
		clock:  clock.New("test-client"),
	}
	for _, id := range ids {
		c.addNode(id)
	}
	resolve := func(ctx context.Context, n ring.Node) (peer.Client, error) {
		l, ok := c.locals[n.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", peer.ErrUnavailable, n.ID)
		}
		return l, nil
	}
	opts = append([]Option{WithReplicationFactor(2), WithLogger(logging.Discard())}, opts...)
	c.coord = NewCoordinator(c.ring, c.health, resolve, opts...)
	t.Cleanup(c.coord.Stop)
	return c
}

func (c *cluster) addNode(id string) ring.Node {
	n := ring.Node{ID: id, Host: "127.0.0.1", Port: 9000 + len(c.locals)}
	c.locals[id] = peer.NewLocal(id, storage.NewStore(storage.WithOrigin(id)))
	c.ring.AddNode(n)
	return n
}

// write stores key on its current replica set, the way the client would.
func (c *cluster) write(key, value string) {
	v := c.clock.Next()
	for _, n := range c.coord.GetReplicasForKey(key) {
		c.locals[n.ID].Store().PutVersioned(key, []byte(value), 0, v)
	}
}

func (c *cluster) seed(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		c.write(keys[i], "v-"+keys[i])
	}
	return keys
}

// assertOwnersHold checks every key is held by all of its current owners.
func (c *cluster) assertOwnersHold(t *testing.T, keys []string) {
	t.Helper()
	for _, key := range keys {
		for _, owner := range c.coord.GetReplicasForKey(key) {
			value, ok := c.locals[owner.ID].Store().Get(key)
			if assert.True(t, ok, "owner %s is missing %s", owner.ID, key) {
				assert.Equal(t, "v-"+key, string(value))
			}
		}
	}
}

func TestGetReplicasForKey_SkipsIneligible(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2", "n3"})

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("k%d", i)
		all := c.ring.ReplicaNodes(key, 3)
		c.health.set(all[0].ID, true)

		got := c.coord.GetReplicasForKey(key)
		require.Len(t, got, 2)
		assert.Equal(t, all[1].ID, got[0].ID)
		assert.Equal(t, all[2].ID, got[1].ID)

		c.health.set(all[0].ID, false)
	}
}

func TestCoordinator_OnNodeJoin(t *testing.T) {
	// Arrange
	c := newCluster(t, []string{"n1", "n2", "n3"})
	keys := c.seed(300)

	// Act
	n4 := c.addNode("n4")
	err := c.coord.OnNodeJoin(context.Background(), n4)

	// Assert
	require.NoError(t, err)
	assert.Greater(t, c.locals["n4"].Store().Len(), 0)
	c.assertOwnersHold(t, keys)
}

func TestCoordinator_OnNodeJoin_NotOnRing(t *testing.T) {
	c := newCluster(t, []string{"n1"})

	err := c.coord.OnNodeJoin(context.Background(), ring.Node{ID: "ghost"})

	assert.ErrorIs(t, err, ErrMigration)
}

func TestCoordinator_OnNodeLeave_Removed(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2", "n3", "n4"})
	keys := c.seed(300)
	leaving, _ := c.ring.Node("n2")

	before := c.ring.Snapshot()
	c.ring.RemoveNode("n2")
	c.locals["n2"].SetDown(true)

	err := c.coord.OnNodeLeave(context.Background(), leaving, before)

	require.NoError(t, err, "an unreachable leaving node is not an error")
	c.assertOwnersHold(t, keys)
}

func TestCoordinator_OnNodeLeave_GracefulUsesLeavingNode(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2"}, WithReplicationFactor(1))
	keys := c.seed(100)
	leaving, _ := c.ring.Node("n2")

	before := c.ring.Snapshot()
	c.ring.RemoveNode("n2")

	require.NoError(t, c.coord.OnNodeLeave(context.Background(), leaving, before))
	assert.Equal(t, 100, c.locals["n1"].Store().Len(), "the sole survivor must hold every key")
	c.assertOwnersHold(t, keys)
}

func TestCoordinator_HandleTransition_Unhealthy(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2", "n3", "n4"})
	keys := c.seed(300)
	n3, _ := c.ring.Node("n3")

	c.locals["n3"].SetDown(true)
	c.health.set("n3", true)
	c.coord.HandleTransition(health.Event{Node: n3, From: health.Healthy, To: health.Unhealthy})

	assert.True(t, c.ring.Has("n3"), "unhealthy nodes stay on the ring")
	c.assertOwnersHold(t, keys)
}

func TestCoordinator_HandleTransition_UnhealthyHungNode(t *testing.T) {
	// Arrange: n1 accepts connections but never answers
	c := newCluster(t, []string{"n1", "n2", "n3"}, WithOpTimeout(300*time.Millisecond))
	keys := c.seed(200)
	n1, _ := c.ring.Node("n1")
	c.locals["n1"].SetDelay(5 * time.Second)
	c.health.set("n1", true)

	// Act
	start := time.Now()
	c.coord.HandleTransition(health.Event{Node: n1, From: health.Healthy, To: health.Unhealthy})

	// Assert
	assert.Less(t, time.Since(start), 300*time.Millisecond, "a failed node is not used as a source")
	c.assertOwnersHold(t, keys)
}

func TestCoordinator_OnNodeLeave_HungLeavingNode(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2", "n3", "n4"}, WithRequestTimeout(50*time.Millisecond))
	keys := c.seed(200)
	leaving, _ := c.ring.Node("n2")

	before := c.ring.Snapshot()
	c.ring.RemoveNode("n2")
	c.locals["n2"].SetDelay(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.coord.OnNodeLeave(ctx, leaving, before)

	require.NoError(t, err, "a hung leaving node only costs one request timeout")
	c.assertOwnersHold(t, keys)
}

func TestCoordinator_HandleTransition_Recover(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2", "n3"})
	n2, _ := c.ring.Node("n2")

	c.health.set("n2", true)
	keys := c.seed(200) // written while n2 was out

	c.health.set("n2", false)
	c.coord.HandleTransition(health.Event{Node: n2, From: health.Unhealthy, To: health.Healthy})

	c.assertOwnersHold(t, keys)
}

func TestCoordinator_PeriodicSync(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2", "n3"}, WithPrune(true))
	ctx := context.Background()

	key := "diverged"
	owners := c.coord.GetReplicasForKey(key)
	require.Len(t, owners, 2)
	var outsider string
	for _, n := range c.ring.Nodes() {
		if !contains(owners, n.ID) {
			outsider = n.ID
		}
	}

	old := c.clock.Next()
	newest := c.clock.Next()
	c.locals[owners[0].ID].Store().PutVersioned(key, []byte("old"), 0, old)
	c.locals[outsider].Store().PutVersioned(key, []byte("new"), 0, newest)

	report, err := c.coord.PeriodicSync(ctx)

	require.NoError(t, err)
	assert.Equal(t, 3, report.Nodes)
	assert.Equal(t, 2, report.Repaired)
	assert.Equal(t, 1, report.Pruned)
	for _, o := range owners {
		e, ok := c.locals[o.ID].Store().Lookup(key)
		require.True(t, ok)
		assert.Equal(t, "new", string(e.Value))
		assert.Equal(t, newest, e.Version)
	}
	assert.False(t, c.locals[outsider].Store().Exists(key))

	// A second cycle has nothing to do.
	report, err = c.coord.PeriodicSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Repaired)
	assert.Zero(t, report.Pruned)
}

func TestCoordinator_PeriodicSync_ReportsFailures(t *testing.T) {
	c := newCluster(t, []string{"n1", "n2"})
	c.seed(10)
	c.locals["n2"].SetDown(true)

	_, err := c.coord.PeriodicSync(context.Background())

	assert.ErrorIs(t, err, ErrMigration)
	assert.True(t, errors.Is(err, peer.ErrUnavailable))
}

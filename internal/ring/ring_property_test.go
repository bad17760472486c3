package ring

import (
	"fmt"
	"sync"
	"testing"
)

func sameIDs(a, b []Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

// TestRing_Property_Determinism tests that equal topologies produce equal replica sets
func TestRing_Property_Determinism(t *testing.T) {
	ring1 := NewRing()
	ring1.SetNodes(testNodes("n1", "n2", "n3", "n4"))

	ring2 := NewRing()
	for _, n := range []Node{
		{ID: "n3", Host: "127.0.0.1", Port: 50053},
		{ID: "n1", Host: "127.0.0.1", Port: 50051},
		{ID: "n4", Host: "127.0.0.1", Port: 50054},
		{ID: "n2", Host: "127.0.0.1", Port: 50052},
	} {
		ring2.AddNode(n)
	}

	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("key-%d", i)
		r1 := ring1.ReplicaNodes(key, 3)
		r2 := ring2.ReplicaNodes(key, 3)
		if !sameIDs(r1, r2) {
			t.Fatalf("Replica set mismatch for %s: %v vs %v", key, r1, r2)
		}
		if again := ring1.ReplicaNodes(key, 3); !sameIDs(r1, again) {
			t.Fatalf("Repeated lookup changed for %s", key)
		}
	}
}

// TestRing_Property_ReplicaCount tests |ReplicaSet| = min(R, N)
func TestRing_Property_ReplicaCount(t *testing.T) {
	for n := 1; n <= 5; n++ {
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("n%d", i)
		}
		ring := NewRing(WithVNodes(16))
		ring.SetNodes(testNodes(ids...))

		for r := 1; r <= 6; r++ {
			want := r
			if n < want {
				want = n
			}
			for i := 0; i < 50; i++ {
				got := ring.ReplicaNodes(fmt.Sprintf("k%d", i), r)
				if len(got) != want {
					t.Fatalf("N=%d R=%d: got %d replicas, want %d", n, r, len(got), want)
				}
			}
		}
	}
}

// TestRing_Property_BoundedRedistribution tests that adding one node to N
// nodes moves roughly 1/(N+1) of the keys and only onto the new node.
func TestRing_Property_BoundedRedistribution(t *testing.T) {
	ring := NewRing()
	ring.SetNodes(testNodes("n1", "n2", "n3", "n4"))

	const numKeys = 20000
	before := make([]string, numKeys)
	for i := range before {
		owner, _ := ring.Owner(fmt.Sprintf("key-%d", i))
		before[i] = owner.ID
	}

	ring.AddNode(Node{ID: "n5", Host: "127.0.0.1", Port: 50055})

	moved := 0
	for i := range before {
		owner, _ := ring.Owner(fmt.Sprintf("key-%d", i))
		if owner.ID != before[i] {
			moved++
			if owner.ID != "n5" {
				t.Fatalf("key-%d moved from %s to %s, not to the new node", i, before[i], owner.ID)
			}
		}
	}

	fraction := float64(moved) / numKeys
	// Expected 1/5; allow statistical slack.
	if fraction > 0.3 {
		t.Errorf("Too many keys moved: %.3f", fraction)
	}
	if fraction < 0.1 {
		t.Errorf("Too few keys moved to the new node: %.3f", fraction)
	}
}

// TestRing_Property_RemoveRestores tests that add followed by remove gives
// back the original mapping.
func TestRing_Property_RemoveRestores(t *testing.T) {
	ring := NewRing(WithVNodes(64))
	ring.SetNodes(testNodes("n1", "n2", "n3"))

	before := make(map[string][]Node)
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%d", i)
		before[key] = ring.ReplicaNodes(key, 2)
	}

	ring.AddNode(Node{ID: "n4", Host: "127.0.0.1", Port: 50054})
	ring.RemoveNode("n4")

	for key, want := range before {
		if got := ring.ReplicaNodes(key, 2); !sameIDs(got, want) {
			t.Fatalf("Mapping for %s changed after add/remove: %v vs %v", key, got, want)
		}
	}
}

// TestRing_Property_CollisionsOrderIndependent forces virtual node collisions
// with a tiny hash space and checks the layout ignores mutation order.
func TestRing_Property_CollisionsOrderIndependent(t *testing.T) {
	tiny := func(data []byte) uint64 { return XXHash(data) % 64 }

	a := NewRing(WithHash(tiny), WithVNodes(8))
	a.SetNodes(testNodes("n1", "n2", "n3"))

	b := NewRing(WithHash(tiny), WithVNodes(8))
	b.AddNode(Node{ID: "n4", Host: "127.0.0.1", Port: 1})
	b.AddNode(Node{ID: "n3", Host: "127.0.0.1", Port: 50053})
	b.AddNode(Node{ID: "n2", Host: "127.0.0.1", Port: 50052})
	b.AddNode(Node{ID: "n1", Host: "127.0.0.1", Port: 50051})
	b.RemoveNode("n4")

	pa, pb := a.Snapshot().points, b.Snapshot().points
	if len(pa) != 24 || len(pb) != 24 {
		t.Fatalf("Expected 24 distinct positions, got %d and %d", len(pa), len(pb))
	}
	for i := range pa {
		if pa[i] != pb[i] {
			t.Fatalf("Position %d differs: %+v vs %+v", i, pa[i], pb[i])
		}
	}
}

// TestRing_Property_ConcurrentReadersDuringWrites exercises lookups while
// nodes are added and removed.
func TestRing_Property_ConcurrentReadersDuringWrites(t *testing.T) {
	ring := NewRing(WithVNodes(32))
	ring.SetNodes(testNodes("n1", "n2", "n3"))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				got := ring.ReplicaNodes(fmt.Sprintf("g%d-%d", g, i), 3)
				if len(got) < 3 {
					t.Errorf("Observed partial ring: %d replicas", len(got))
					return
				}
			}
		}(g)
	}

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("extra-%d", i)
		ring.AddNode(Node{ID: id, Host: "127.0.0.1", Port: 60000 + i})
		ring.RemoveNode(id)
	}
	close(stop)
	wg.Wait()
}

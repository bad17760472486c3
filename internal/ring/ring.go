package ring

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gobwas/avl"
)

// DefaultVNodes is the number of virtual nodes per physical node.
const DefaultVNodes = 150

// maxGenerations bounds re-hashing of a colliding virtual node.
const maxGenerations = 1 << 10

type options struct {
	vnodes int
	hash   HashFunc
}

// Option configures a Ring.
type Option func(*options)

// WithVNodes sets the number of virtual nodes per physical node.
func WithVNodes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.vnodes = n
		}
	}
}

// WithHash sets the hash function used for keys and virtual nodes.
func WithHash(h HashFunc) Option {
	return func(o *options) {
		if h != nil {
			o.hash = h
		}
	}
}

// vnode is a virtual node on the ring. Its position changes only when it
// collides with a virtual node of higher priority.
type vnode struct {
	hash       uint64
	nodeID     string
	index      int
	generation int
}

func (v *vnode) Compare(x avl.Item) int {
	return compare(v.hash, x.(*vnode).hash)
}

// outranks reports whether v keeps a contested position over w.
func (v *vnode) outranks(w *vnode) bool {
	if v.nodeID != w.nodeID {
		return v.nodeID < w.nodeID
	}
	return v.index < w.index
}

func compare(x0, x1 uint64) int {
	if x0 < x1 {
		return -1
	}
	if x0 > x1 {
		return 1
	}
	return 0
}

// Ring implements consistent hashing with virtual nodes.
// It is safe for concurrent use. The zero value is not usable; call NewRing.
type Ring struct {
	opts options

	// mu serializes writers. tree, vnodes and nodes are protected by it.
	mu     sync.Mutex
	tree   avl.Tree // tree<*vnode>
	vnodes map[string][]*vnode
	nodes  map[string]Node

	view atomic.Pointer[View]
}

// NewRing creates a new consistent hashing ring.
func NewRing(opts ...Option) *Ring {
	o := options{vnodes: DefaultVNodes, hash: XXHash}
	for _, opt := range opts {
		opt(&o)
	}
	r := &Ring{
		opts:   o,
		vnodes: make(map[string][]*vnode),
		nodes:  make(map[string]Node),
	}
	r.view.Store(&View{nodes: map[string]Node{}, hash: o.hash})
	return r
}

// VNodes returns the number of virtual nodes per physical node.
func (r *Ring) VNodes() int {
	return r.opts.vnodes
}

// Snapshot returns the current immutable view of the ring.
func (r *Ring) Snapshot() *View {
	return r.view.Load()
}

// AddNode adds a node to the ring. Adding a node ID that is already present
// updates its address without moving any virtual node.
func (r *Ring) AddNode(node Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[node.ID]; exists {
		r.nodes[node.ID] = node
		r.publish()
		return
	}
	r.nodes[node.ID] = node
	r.insertNode(node.ID)
	r.publish()
}

// RemoveNode removes a node and all its virtual nodes from the ring.
// It returns false if the node was not present.
func (r *Ring) RemoveNode(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[nodeID]; !exists {
		return false
	}
	delete(r.nodes, nodeID)
	for _, v := range r.vnodes[nodeID] {
		r.tree, _ = r.tree.Delete(v)
	}
	delete(r.vnodes, nodeID)
	r.reseat()
	r.publish()
	return true
}

// SetNodes rebuilds the ring with exactly the given nodes.
func (r *Ring) SetNodes(nodes []Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tree = avl.Tree{}
	r.vnodes = make(map[string][]*vnode)
	r.nodes = make(map[string]Node, len(nodes))

	sorted := append([]Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, node := range sorted {
		if _, exists := r.nodes[node.ID]; exists {
			continue
		}
		r.nodes[node.ID] = node
		r.insertNode(node.ID)
	}
	r.publish()
}

// ReplicaNodes returns up to n distinct nodes responsible for key.
func (r *Ring) ReplicaNodes(key string, n int) []Node {
	return r.Snapshot().ReplicaNodes(key, n)
}

// ReplicaNodesFunc is like ReplicaNodes but skips nodes rejected by eligible.
func (r *Ring) ReplicaNodesFunc(key string, n int, eligible func(Node) bool) []Node {
	return r.Snapshot().ReplicaNodesFunc(key, n, eligible)
}

// Owner returns the node responsible for the given key.
func (r *Ring) Owner(key string) (Node, bool) {
	return r.Snapshot().Owner(key)
}

// Nodes returns all nodes in the ring ordered by ID.
func (r *Ring) Nodes() []Node {
	return r.Snapshot().Nodes()
}

// Node returns the node with the given ID.
func (r *Ring) Node(nodeID string) (Node, bool) {
	return r.Snapshot().Node(nodeID)
}

// Has reports whether nodeID is on the ring.
func (r *Ring) Has(nodeID string) bool {
	_, ok := r.Snapshot().Node(nodeID)
	return ok
}

// Len returns the number of physical nodes.
func (r *Ring) Len() int {
	return r.Snapshot().Len()
}

// r.mu must be held.
func (r *Ring) insertNode(nodeID string) {
	points := make([]*vnode, r.opts.vnodes)
	for i := range points {
		points[i] = &vnode{nodeID: nodeID, index: i}
		r.place(points[i])
	}
	r.vnodes[nodeID] = points
}

// place puts v at the first position of its generation sequence that it can
// hold. A lower-priority occupant is displaced and placed again.
// r.mu must be held.
func (r *Ring) place(v *vnode) {
	for pending := v; pending != nil; {
		if pending.generation >= maxGenerations {
			panic(fmt.Sprintf("ring: cannot place virtual node %s#%d", pending.nodeID, pending.index))
		}
		pending.hash = r.opts.hash(vnodeKey(pending.nodeID, pending.index, pending.generation))

		tree, existing := r.tree.Insert(pending)
		if existing == nil {
			r.tree = tree
			pending = nil
			continue
		}
		occupant := existing.(*vnode)
		if !pending.outranks(occupant) {
			pending.generation++
			continue
		}
		r.tree, _ = r.tree.Delete(occupant)
		r.tree, _ = r.tree.Insert(pending)
		occupant.generation++
		pending = occupant
	}
}

// reseat re-places every displaced virtual node so that the layout depends
// only on the current set of nodes, not on the order of past mutations.
// r.mu must be held.
func (r *Ring) reseat() {
	var displaced []*vnode
	for _, points := range r.vnodes {
		for _, v := range points {
			if v.generation > 0 {
				displaced = append(displaced, v)
			}
		}
	}
	if len(displaced) == 0 {
		return
	}
	sort.Slice(displaced, func(i, j int) bool { return displaced[i].outranks(displaced[j]) })
	for _, v := range displaced {
		r.tree, _ = r.tree.Delete(v)
	}
	for _, v := range displaced {
		v.generation = 0
		r.place(v)
	}
}

// r.mu must be held.
func (r *Ring) publish() {
	points := make([]point, 0, r.tree.Size())
	r.tree.InOrder(func(x avl.Item) bool {
		v := x.(*vnode)
		points = append(points, point{hash: v.hash, nodeID: v.nodeID})
		return true
	})
	nodes := make(map[string]Node, len(r.nodes))
	for id, n := range r.nodes {
		nodes[id] = n
	}
	r.view.Store(&View{points: points, nodes: nodes, hash: r.opts.hash})
}

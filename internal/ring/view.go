package ring

import "sort"

// point is a virtual node position in a View.
type point struct {
	hash   uint64
	nodeID string
}

// View is an immutable snapshot of the ring topology.
// All methods are safe for concurrent use.
type View struct {
	points []point // sorted by hash
	nodes  map[string]Node
	hash   HashFunc
}

// Len returns the number of physical nodes in the view.
func (v *View) Len() int {
	return len(v.nodes)
}

// Node returns the node with the given ID.
func (v *View) Node(nodeID string) (Node, bool) {
	n, ok := v.nodes[nodeID]
	return n, ok
}

// Nodes returns all nodes ordered by ID.
func (v *View) Nodes() []Node {
	nodes := make([]Node, 0, len(v.nodes))
	for _, n := range v.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Hash returns the ring position of key.
func (v *View) Hash(key string) uint64 {
	return v.hash([]byte(key))
}

// Owner returns the node responsible for the given key.
// Returns (Node{}, false) if the ring is empty.
func (v *View) Owner(key string) (Node, bool) {
	nodes := v.ReplicaNodes(key, 1)
	if len(nodes) == 0 {
		return Node{}, false
	}
	return nodes[0], true
}

// ReplicaNodes returns the first n distinct nodes found walking clockwise
// from the position of key, wrapping around the end of the ring.
func (v *View) ReplicaNodes(key string, n int) []Node {
	return v.ReplicaNodesFunc(key, n, nil)
}

// ReplicaNodesFunc walks like ReplicaNodes but skips nodes for which
// eligible returns false. A nil eligible accepts every node.
func (v *View) ReplicaNodesFunc(key string, n int, eligible func(Node) bool) []Node {
	if len(v.points) == 0 || n <= 0 {
		return []Node{}
	}
	if n > len(v.nodes) {
		n = len(v.nodes)
	}

	keyHash := v.Hash(key)
	idx := sort.Search(len(v.points), func(i int) bool {
		return v.points[i].hash >= keyHash
	})

	seen := make(map[string]bool, n)
	result := make([]Node, 0, n)
	for i := 0; i < len(v.points) && len(result) < n && len(seen) < len(v.nodes); i++ {
		nodeID := v.points[(idx+i)%len(v.points)].nodeID
		if seen[nodeID] {
			continue
		}
		seen[nodeID] = true
		node := v.nodes[nodeID]
		if eligible != nil && !eligible(node) {
			continue
		}
		result = append(result, node)
	}
	return result
}

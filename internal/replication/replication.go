package replication

import (
	"cachering/internal/ring"
)

// DefaultReplicationFactor is the number of replicas per key.
const DefaultReplicationFactor = 3

// HealthView decides which nodes may hold replicas.
type HealthView interface {
	Eligible(node ring.Node) bool
}

// GetReplicasForKey returns the replicas responsible for a key: the first
// replicationFactor eligible nodes clockwise from the key. A nil health view
// treats every node as eligible.
func GetReplicasForKey(v *ring.View, hv HealthView, key string, replicationFactor int) []ring.Node {
	if replicationFactor <= 0 {
		replicationFactor = DefaultReplicationFactor
	}
	if hv == nil {
		return v.ReplicaNodes(key, replicationFactor)
	}
	return v.ReplicaNodesFunc(key, replicationFactor, hv.Eligible)
}

// including returns an eligibility check that also admits nodeID.
func including(hv HealthView, nodeID string) func(ring.Node) bool {
	return func(n ring.Node) bool {
		return n.ID == nodeID || hv == nil || hv.Eligible(n)
	}
}

func contains(nodes []ring.Node, id string) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

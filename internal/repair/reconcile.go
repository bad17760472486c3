package repair

import (
	"cachering/internal/storage"
)

// Copy is what one replica returned for a key. Found is false if the
// replica had no live entry.
type Copy struct {
	ReplicaID string
	Entry     storage.Entry
	Found     bool
}

// ReconcileResult is the outcome of reconciling the copies of one key.
type ReconcileResult struct {
	// Winner is the copy with the newest version.
	Winner storage.Entry
	// Found is false when no replica had the key.
	Found bool
	// Stale lists replicas that are missing Winner or hold an older version.
	Stale []string
}

// Reconcile picks the newest copy by version and reports which replicas
// need it. Versions order by timestamp with the origin as tiebreak, so every
// caller picks the same winner.
func Reconcile(copies []Copy) ReconcileResult {
	var res ReconcileResult
	for _, c := range copies {
		if !c.Found {
			continue
		}
		if !res.Found || c.Entry.Version.Dominates(res.Winner.Version) {
			res.Winner = c.Entry
			res.Found = true
		}
	}
	if !res.Found {
		return res
	}

	for _, c := range copies {
		if !c.Found || c.Entry.Version != res.Winner.Version {
			res.Stale = append(res.Stale, c.ReplicaID)
		}
	}
	return res
}

// IsConsistent returns true if every replica already holds the winner.
func (r *ReconcileResult) IsConsistent() bool {
	return len(r.Stale) == 0
}

// IsNotFound returns true if no replica had the key.
func (r *ReconcileResult) IsNotFound() bool {
	return !r.Found
}

package quorum

import (
	"context"
	"time"
)

// ReadFunc reads from a single replica. found is false on a miss.
type ReadFunc[T any] func(ctx context.Context, replicaID string) (value T, found bool, err error)

// RaceResult is the outcome of DoRace.
type RaceResult[T any] struct {
	Value T
	Found bool
	// From is the replica that produced Value.
	From string
	// Misses lists replicas that answered "not found" before the winner.
	Misses []string
	Errors []ReplicaError
}

type raceAnswer[T any] struct {
	replicaID string
	value     T
	found     bool
	err       error
}

// DoRace queries every replica in parallel and returns the first hit,
// cancelling the others. If no replica has the value, Found is false.
func DoRace[T any](ctx context.Context, replicas []string, timeout time.Duration, readFn ReadFunc[T]) RaceResult[T] {
	var res RaceResult[T]
	if len(replicas) == 0 {
		return res
	}
	if timeout <= 0 {
		timeout = DefaultPerReplicaTimeout
	}

	raceCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	answers := make(chan raceAnswer[T], len(replicas))
	for _, replicaID := range replicas {
		go func(rid string) {
			v, found, err := readFn(raceCtx, rid)
			answers <- raceAnswer[T]{replicaID: rid, value: v, found: found, err: err}
		}(replicaID)
	}

	for range replicas {
		var a raceAnswer[T]
		select {
		case a = <-answers:
		case <-raceCtx.Done():
			return res
		}
		switch {
		case a.err != nil:
			res.Errors = append(res.Errors, ReplicaError{ReplicaID: a.replicaID, Err: a.err})
		case !a.found:
			res.Misses = append(res.Misses, a.replicaID)
		default:
			res.Value, res.Found, res.From = a.value, true, a.replicaID
			return res
		}
	}
	return res
}

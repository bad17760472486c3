package quorum

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultAckTimeout bounds how long a write waits for its acknowledgments.
	DefaultAckTimeout = time.Second
	// DefaultPerReplicaTimeout is the default timeout for each replica RPC.
	DefaultPerReplicaTimeout = 2 * time.Second
)

var (
	// ErrNoReplicas is returned when an operation has nobody to talk to.
	ErrNoReplicas = errors.New("quorum: no replicas provided")
	// ErrNotEnoughAcks is returned when fewer replicas than required
	// acknowledged a write in time.
	ErrNotEnoughAcks = errors.New("quorum: not enough acknowledgments")
)

// ReplicaError ties an error to the replica that produced it.
type ReplicaError struct {
	ReplicaID string
	Err       error
}

func (e ReplicaError) Error() string {
	return fmt.Sprintf("replica %s: %v", e.ReplicaID, e.Err)
}

func (e ReplicaError) Unwrap() error {
	return e.Err
}

// WriteFunc performs a write to a single replica.
type WriteFunc func(ctx context.Context, replicaID string) error

// WriteOptions tunes DoWrite. Zero values select the defaults.
type WriteOptions struct {
	// Required is the number of acknowledgments that make the write
	// successful. Defaults to 1.
	Required int
	// AckTimeout bounds how long DoWrite blocks.
	AckTimeout time.Duration
	// ReplicaTimeout bounds each replica call, including calls that finish
	// after DoWrite returned.
	ReplicaTimeout time.Duration
	// OnResult, if set, is called once per replica with its outcome, also
	// for replicas that answer after DoWrite returned.
	OnResult func(replicaID string, err error)
}

func (o WriteOptions) withDefaults() WriteOptions {
	if o.Required <= 0 {
		o.Required = 1
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultAckTimeout
	}
	if o.ReplicaTimeout <= 0 {
		o.ReplicaTimeout = DefaultPerReplicaTimeout
	}
	return o
}

// WriteResult represents the outcome of a write as seen when DoWrite returned.
type WriteResult struct {
	Acks     int
	Failures int
	Pending  int
	Required int
	Replicas int
	Errors   []ReplicaError
	err      error
}

// Success reports whether enough replicas acknowledged.
func (r WriteResult) Success() bool {
	return r.err == nil
}

// Err returns nil on success, or an error wrapping ErrNoReplicas or
// ErrNotEnoughAcks.
func (r WriteResult) Err() error {
	return r.err
}

type result struct {
	replicaID string
	err       error
}

// DoWrite fans writeFn out to all replicas in parallel and returns as soon as
// Required acknowledgments arrived, every replica answered, the ack timeout
// fired or ctx was cancelled. Replica calls run on a context detached from
// ctx so writes still in flight complete in the background.
func DoWrite(ctx context.Context, replicas []string, opts WriteOptions, writeFn WriteFunc) WriteResult {
	opts = opts.withDefaults()
	if len(replicas) == 0 {
		return WriteResult{Required: opts.Required, err: ErrNoReplicas}
	}
	if opts.Required > len(replicas) {
		return WriteResult{
			Required: opts.Required,
			Replicas: len(replicas),
			err:      fmt.Errorf("%w: required %d exceeds replica count %d", ErrNotEnoughAcks, opts.Required, len(replicas)),
		}
	}

	replicaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.ReplicaTimeout)
	results := make(chan result, len(replicas))
	for _, replicaID := range replicas {
		go func(rid string) {
			results <- result{replicaID: rid, err: writeFn(replicaCtx, rid)}
		}(replicaID)
	}

	res := WriteResult{Required: opts.Required, Replicas: len(replicas)}
	timer := time.NewTimer(opts.AckTimeout)
	defer timer.Stop()

	var waitErr error
collect:
	for res.Acks < opts.Required && res.Acks+res.Failures < len(replicas) {
		select {
		case r := <-results:
			if opts.OnResult != nil {
				opts.OnResult(r.replicaID, r.err)
			}
			if r.err != nil {
				res.Failures++
				res.Errors = append(res.Errors, ReplicaError{ReplicaID: r.replicaID, Err: r.err})
				continue
			}
			res.Acks++
		case <-timer.C:
			waitErr = fmt.Errorf("ack timeout after %v", opts.AckTimeout)
			break collect
		case <-ctx.Done():
			waitErr = ctx.Err()
			break collect
		}
	}

	res.Pending = len(replicas) - res.Acks - res.Failures
	if res.Pending > 0 {
		go drain(results, res.Pending, opts.OnResult, cancel)
	} else {
		cancel()
	}

	if res.Acks >= opts.Required {
		return res
	}
	msg := fmt.Sprintf("acks=%d required=%d replicas=%d", res.Acks, opts.Required, len(replicas))
	errs := []error{fmt.Errorf("%w: %s", ErrNotEnoughAcks, msg)}
	if waitErr != nil {
		errs = append(errs, waitErr)
	}
	for _, e := range res.Errors {
		errs = append(errs, e)
	}
	res.err = errors.Join(errs...)
	return res
}

func drain(results <-chan result, n int, onResult func(string, error), done func()) {
	defer done()
	for i := 0; i < n; i++ {
		r := <-results
		if onResult != nil {
			onResult(r.replicaID, r.err)
		}
	}
}

// DoAll runs fn against every replica in parallel, each bounded by timeout,
// and waits for all of them. It returns the errors of the replicas that
// failed.
func DoAll(ctx context.Context, replicas []string, timeout time.Duration, fn WriteFunc) []ReplicaError {
	if timeout <= 0 {
		timeout = DefaultPerReplicaTimeout
	}
	replicaCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu   sync.Mutex
		errs []ReplicaError
		wg   sync.WaitGroup
	)
	for _, replicaID := range replicas {
		wg.Add(1)
		go func(rid string) {
			defer wg.Done()
			if err := fn(replicaCtx, rid); err != nil {
				mu.Lock()
				errs = append(errs, ReplicaError{ReplicaID: rid, Err: err})
				mu.Unlock()
			}
		}(replicaID)
	}
	wg.Wait()
	return errs
}

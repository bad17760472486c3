package repair

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cachering/internal/logging"
	"cachering/internal/metrics"
	"cachering/internal/peer"
	"cachering/internal/storage"
)

// Resolver returns the client for a replica ID.
type Resolver func(ctx context.Context, replicaID string) (peer.Client, error)

// ReadRepairer performs asynchronous read repair to converge stale replicas.
type ReadRepairer struct {
	resolve Resolver
	timeout time.Duration
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewReadRepairer creates a new read repairer.
func NewReadRepairer(resolve Resolver, timeout time.Duration, logger *slog.Logger) *ReadRepairer {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = logging.Op()
	}
	return &ReadRepairer{
		resolve: resolve,
		timeout: timeout,
		logger:  logger,
	}
}

// Repair writes winner to the stale replicas in the background.
// This is fire-and-forget: it logs errors but does not block or retry.
func (r *ReadRepairer) Repair(winner storage.Entry, stale []string) {
	if len(stale) == 0 {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		repaired, failed := r.RepairSync(ctx, winner, stale)
		metrics.RecordReadRepair(repaired, failed)
		r.logger.Debug("read repair completed",
			"key", winner.Key, "repaired", repaired, "failed", failed)
	}()
}

// RepairSync writes winner to each stale replica and returns how many
// replicas were repaired and how many failed.
func (r *ReadRepairer) RepairSync(ctx context.Context, winner storage.Entry, stale []string) (repaired, failed int) {
	for _, replicaID := range stale {
		if err := r.repairReplica(ctx, replicaID, winner); err != nil {
			r.logger.Warn("read repair failed", "node_id", replicaID, "key", winner.Key, "error", err)
			failed++
			continue
		}
		repaired++
	}
	return repaired, failed
}

func (r *ReadRepairer) repairReplica(ctx context.Context, replicaID string, winner storage.Entry) error {
	client, err := r.resolve(ctx, replicaID)
	if err != nil {
		return fmt.Errorf("failed to get client: %w", err)
	}
	if _, err := client.Apply(ctx, []storage.Entry{winner}); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}

// Wait blocks until all background repairs finished.
func (r *ReadRepairer) Wait() {
	r.wg.Wait()
}

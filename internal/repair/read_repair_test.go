package repair

import (
	"context"
	"errors"
	"testing"
	"time"

	"cachering/internal/logging"
	"cachering/internal/peer"
	"cachering/internal/storage"
)

func TestReadRepairer_Repair_SingleWinner(t *testing.T) {
	stale := peer.NewLocal("replica1", storage.NewStore())
	stale.Store().PutVersioned("k", []byte("old"), 0, entry("old", 1, "c").Version)

	repairer := NewReadRepairer(
		func(ctx context.Context, replicaID string) (peer.Client, error) {
			return stale, nil
		},
		time.Second,
		logging.Discard(),
	)

	repairer.Repair(entry("value", 2, "c"), []string{"replica1"})
	repairer.Wait()

	got, ok := stale.Store().Lookup("k")
	if !ok {
		t.Fatal("Expected repaired entry")
	}
	if string(got.Value) != "value" {
		t.Errorf("Expected value 'value', got %s", string(got.Value))
	}
	if got.Version.Timestamp != 2 {
		t.Errorf("Expected winning version to be kept, got %s", got.Version)
	}
}

func TestReadRepairer_Repair_NoStale(t *testing.T) {
	called := false
	repairer := NewReadRepairer(
		func(ctx context.Context, replicaID string) (peer.Client, error) {
			called = true
			return nil, errors.New("unexpected")
		},
		time.Second,
		logging.Discard(),
	)

	repairer.Repair(entry("value", 1, "c"), nil)
	repairer.Wait()

	if called {
		t.Error("Expected no repair without stale replicas")
	}
}

func TestReadRepairer_RepairSync_CountsFailures(t *testing.T) {
	healthy := peer.NewLocal("ok", storage.NewStore())
	down := peer.NewLocal("down", storage.NewStore())
	down.SetDown(true)

	clients := map[string]peer.Client{"ok": healthy, "down": down}
	repairer := NewReadRepairer(
		func(ctx context.Context, replicaID string) (peer.Client, error) {
			c, ok := clients[replicaID]
			if !ok {
				return nil, errors.New("unknown replica")
			}
			return c, nil
		},
		time.Second,
		logging.Discard(),
	)

	repaired, failed := repairer.RepairSync(context.Background(), entry("v", 1, "c"), []string{"ok", "down", "ghost"})

	if repaired != 1 || failed != 2 {
		t.Errorf("Expected 1 repaired and 2 failed, got %d and %d", repaired, failed)
	}
	if !healthy.Store().Exists("k") {
		t.Error("Expected healthy replica to be repaired")
	}
}

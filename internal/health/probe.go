package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cachering/internal/clock"
	"cachering/internal/peer"
)

// ErrProbeFailure is returned when a probe round trip does not complete.
var ErrProbeFailure = errors.New("health: probe failure")

const probeKeyPrefix = "__health__:"

// Probe performs a synthetic round trip against c: it writes a throwaway key
// with a short ttl, reads it back, compares the value and deletes the key.
func Probe(ctx context.Context, c peer.Client, ttl time.Duration) error {
	id := uuid.NewString()
	key := probeKeyPrefix + id
	value := []byte(id)

	if err := c.Put(ctx, key, value, ttl, clock.Version{}); err != nil {
		return fmt.Errorf("%w: put: %v", ErrProbeFailure, err)
	}
	e, ok, err := c.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: get: %v", ErrProbeFailure, err)
	}
	if !ok {
		return fmt.Errorf("%w: probe key not found", ErrProbeFailure)
	}
	if !bytes.Equal(e.Value, value) {
		return fmt.Errorf("%w: value mismatch", ErrProbeFailure)
	}
	if err := c.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrProbeFailure, err)
	}
	return nil
}

// IsProbeKey reports whether key was written by a probe.
func IsProbeKey(key string) bool {
	return strings.HasPrefix(key, probeKeyPrefix)
}

package client

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"cachering/internal/quorum"
)

// ReadMode selects how Get and Exists query replicas.
type ReadMode int

const (
	// ReadSequential tries replicas one at a time, best first.
	ReadSequential ReadMode = iota
	// ReadRace queries every replica at once and takes the first hit.
	ReadRace
)

// String returns the string representation of ReadMode.
func (m ReadMode) String() string {
	switch m {
	case ReadSequential:
		return "sequential"
	case ReadRace:
		return "race"
	default:
		return "unknown"
	}
}

// ParseReadMode parses "sequential" or "race".
func ParseReadMode(s string) (ReadMode, bool) {
	switch s {
	case "sequential", "":
		return ReadSequential, true
	case "race":
		return ReadRace, true
	default:
		return ReadSequential, false
	}
}

const (
	DefaultReplicationFactor = 3
	DefaultRequestTimeout    = quorum.DefaultPerReplicaTimeout
	DefaultWriteAckTimeout   = quorum.DefaultAckTimeout
)

type options struct {
	replicationFactor int
	writeAckTimeout   time.Duration
	requestTimeout    time.Duration
	readMode          ReadMode
	readRepair        bool
	origin            string
	logger            *slog.Logger
}

func defaultOptions() options {
	return options{
		replicationFactor: DefaultReplicationFactor,
		writeAckTimeout:   DefaultWriteAckTimeout,
		requestTimeout:    DefaultRequestTimeout,
		readMode:          ReadSequential,
		origin:            "client-" + uuid.NewString(),
	}
}

// Option configures a Client.
type Option func(*options)

// WithReplicationFactor sets the number of replicas per key.
func WithReplicationFactor(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.replicationFactor = n
		}
	}
}

// WithWriteAckTimeout bounds how long Put waits for the first acknowledgment.
func WithWriteAckTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeAckTimeout = d
		}
	}
}

// WithRequestTimeout bounds each call to a replica.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithReadMode selects sequential or racing reads.
func WithReadMode(m ReadMode) Option {
	return func(o *options) { o.readMode = m }
}

// WithReadRepair makes reads write the value back to replicas that missed it.
func WithReadRepair(enabled bool) Option {
	return func(o *options) { o.readRepair = enabled }
}

// WithOrigin sets the identity stamped on write versions.
func WithOrigin(origin string) Option {
	return func(o *options) {
		if origin != "" {
			o.origin = origin
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

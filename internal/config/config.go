// Package config loads cachering settings from YAML files and CACHERING_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cachering/internal/client"
	"cachering/internal/health"
	"cachering/internal/observability"
	"cachering/internal/replication"
	"cachering/internal/ring"
	"cachering/internal/storage"
)

// RedisScheme marks a peer address served by a Redis server instead of a
// cachering node.
const RedisScheme = "redis://"

// Peer represents a peer node in the cluster.
type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// IsRedis reports whether the peer is a Redis server.
func (p Peer) IsRedis() bool {
	return strings.HasPrefix(p.Addr, RedisScheme)
}

// Node converts the peer into a ring node.
func (p Peer) Node() (ring.Node, error) {
	n, err := ring.ParseAddr(p.ID, strings.TrimPrefix(p.Addr, RedisScheme))
	if err != nil {
		return ring.Node{}, fmt.Errorf("peer %s: %w", p.ID, err)
	}
	return n, nil
}

// NodeConfig holds settings of a storage node.
type NodeConfig struct {
	ID            string        `yaml:"id"`
	ListenAddr    string        `yaml:"listen_addr"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RingConfig holds consistent hashing settings.
type RingConfig struct {
	VNodes int    `yaml:"vnodes"`
	Hash   string `yaml:"hash"` // xxhash or md5
}

// ClientConfig holds routing settings.
type ClientConfig struct {
	ReplicationFactor int           `yaml:"replication_factor"`
	WriteAckTimeout   time.Duration `yaml:"write_ack_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReadMode          string        `yaml:"read_mode"`
	ReadRepair        bool          `yaml:"read_repair"`
}

// HealthConfig holds health monitor settings.
type HealthConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Threshold    int           `yaml:"threshold"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	ProbeTTL     time.Duration `yaml:"probe_ttl"`
	Workers      int           `yaml:"workers"`
}

// ReplicationConfig holds replication coordinator settings.
type ReplicationConfig struct {
	SyncInterval   time.Duration `yaml:"sync_interval"`
	OpTimeout      time.Duration `yaml:"op_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Prune          bool          `yaml:"prune"`
}

// RedisConfig holds connection settings shared by Redis-backed peers.
type RedisConfig struct {
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Addr      string `yaml:"addr"` // empty disables the /metrics endpoint
	Namespace string `yaml:"namespace"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Config is the central configuration struct.
type Config struct {
	Node          NodeConfig           `yaml:"node"`
	Peers         []Peer               `yaml:"peers"`
	Ring          RingConfig           `yaml:"ring"`
	Client        ClientConfig         `yaml:"client"`
	Health        HealthConfig         `yaml:"health"`
	Replication   ReplicationConfig    `yaml:"replication"`
	Redis         RedisConfig          `yaml:"redis"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Observability observability.Config `yaml:"observability"`
	Logging       LoggingConfig        `yaml:"logging"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:            "n1",
			ListenAddr:    "127.0.0.1:7000",
			SweepInterval: storage.DefaultSweepInterval,
		},
		Ring: RingConfig{
			VNodes: ring.DefaultVNodes,
			Hash:   "xxhash",
		},
		Client: ClientConfig{
			ReplicationFactor: replication.DefaultReplicationFactor,
			WriteAckTimeout:   client.DefaultWriteAckTimeout,
			RequestTimeout:    client.DefaultRequestTimeout,
			ReadMode:          client.ReadSequential.String(),
		},
		Health: HealthConfig{
			Interval:     health.DefaultInterval,
			Threshold:    health.DefaultThreshold,
			ProbeTimeout: health.DefaultProbeTimeout,
			ProbeTTL:     health.DefaultProbeTTL,
			Workers:      health.DefaultWorkers,
		},
		Replication: ReplicationConfig{
			SyncInterval:   replication.DefaultSyncInterval,
			OpTimeout:      replication.DefaultOpTimeout,
			RequestTimeout: replication.DefaultRequestTimeout,
		},
		Metrics: MetricsConfig{
			Namespace: "cachering",
		},
		Observability: observability.Config{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "cachering",
			SampleRate:  1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile loads configuration from a YAML file on top of the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv applies CACHERING_* environment variable overrides.
func (c *Config) ApplyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	str("CACHERING_NODE_ID", &c.Node.ID)
	str("CACHERING_LISTEN_ADDR", &c.Node.ListenAddr)
	if v := os.Getenv("CACHERING_PEERS"); v != "" {
		peers, err := ParsePeers(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CACHERING_PEERS: %w", err))
		} else {
			c.Peers = peers
		}
	}
	num("CACHERING_VNODES", &c.Ring.VNodes)
	str("CACHERING_HASH", &c.Ring.Hash)
	num("CACHERING_REPLICATION_FACTOR", &c.Client.ReplicationFactor)
	str("CACHERING_READ_MODE", &c.Client.ReadMode)
	flag("CACHERING_READ_REPAIR", &c.Client.ReadRepair)
	dur("CACHERING_WRITE_ACK_TIMEOUT", &c.Client.WriteAckTimeout)
	dur("CACHERING_HEALTH_INTERVAL", &c.Health.Interval)
	num("CACHERING_HEALTH_THRESHOLD", &c.Health.Threshold)
	dur("CACHERING_SYNC_INTERVAL", &c.Replication.SyncInterval)
	str("CACHERING_REDIS_PASSWORD", &c.Redis.Password)
	str("CACHERING_METRICS_ADDR", &c.Metrics.Addr)
	str("CACHERING_OTLP_ENDPOINT", &c.Observability.Endpoint)
	flag("CACHERING_TRACING", &c.Observability.Enabled)
	str("CACHERING_LOG_LEVEL", &c.Logging.Level)
	str("CACHERING_LOG_FORMAT", &c.Logging.Format)

	return errors.Join(errs...)
}

// Validate checks the configuration for values the components reject.
func (c *Config) Validate() error {
	var errs []error
	if c.Ring.VNodes <= 0 {
		errs = append(errs, fmt.Errorf("ring.vnodes must be positive, got %d", c.Ring.VNodes))
	}
	if _, err := c.HashFunc(); err != nil {
		errs = append(errs, err)
	}
	if c.Client.ReplicationFactor <= 0 {
		errs = append(errs, fmt.Errorf("client.replication_factor must be positive, got %d", c.Client.ReplicationFactor))
	}
	if _, ok := client.ParseReadMode(c.Client.ReadMode); !ok {
		errs = append(errs, fmt.Errorf("client.read_mode: unknown mode %q", c.Client.ReadMode))
	}
	if c.Health.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("health.threshold must be positive, got %d", c.Health.Threshold))
	}
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("duplicate peer ID %s", p.ID))
		}
		seen[p.ID] = true
		if _, err := p.Node(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HashFunc returns the ring hash selected by Ring.Hash.
func (c *Config) HashFunc() (ring.HashFunc, error) {
	switch strings.ToLower(c.Ring.Hash) {
	case "", "xxhash":
		return ring.XXHash, nil
	case "md5":
		return ring.MD5Hash, nil
	default:
		return nil, fmt.Errorf("ring.hash: unknown hash %q", c.Ring.Hash)
	}
}

// Peer returns the configured peer with the given ID.
func (c *Config) Peer(id string) (Peer, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

// ParsePeers parses a comma-separated list of peers in the format
// "id1=addr1,id2=addr2". An address may carry the redis:// scheme.
func ParsePeers(peersStr string) ([]Peer, error) {
	peers := []Peer{}
	for _, part := range strings.Split(peersStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		id, addr, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid peer format: %s (expected id=addr)", part)
		}
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if id == "" || addr == "" {
			return nil, fmt.Errorf("peer ID and address cannot be empty: %s", part)
		}
		peers = append(peers, Peer{ID: id, Addr: addr})
	}
	return peers, nil
}

// RingNodes converts the configured peers into ring nodes.
func (c *Config) RingNodes() ([]ring.Node, error) {
	nodes := make([]ring.Node, 0, len(c.Peers))
	for _, p := range c.Peers {
		n, err := p.Node()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

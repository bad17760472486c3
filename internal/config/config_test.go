package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachering/internal/ring"
)

func TestParsePeers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Peer
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  []Peer{},
		},
		{
			name:  "single peer",
			input: "n1=127.0.0.1:50051",
			want: []Peer{
				{ID: "n1", Addr: "127.0.0.1:50051"},
			},
		},
		{
			name:  "multiple peers",
			input: "n1=127.0.0.1:50051,n2=127.0.0.1:50052,n3=127.0.0.1:50053",
			want: []Peer{
				{ID: "n1", Addr: "127.0.0.1:50051"},
				{ID: "n2", Addr: "127.0.0.1:50052"},
				{ID: "n3", Addr: "127.0.0.1:50053"},
			},
		},
		{
			name:  "with spaces and trailing comma",
			input: "n1 = 127.0.0.1:50051 , n2 = 127.0.0.1:50052,",
			want: []Peer{
				{ID: "n1", Addr: "127.0.0.1:50051"},
				{ID: "n2", Addr: "127.0.0.1:50052"},
			},
		},
		{
			name:  "redis peer",
			input: "r1=redis://10.0.0.5:6379",
			want: []Peer{
				{ID: "r1", Addr: "redis://10.0.0.5:6379"},
			},
		},
		{
			name:    "invalid format - no equals",
			input:   "n1:127.0.0.1:50051",
			wantErr: true,
		},
		{
			name:    "invalid format - empty ID",
			input:   "=127.0.0.1:50051",
			wantErr: true,
		},
		{
			name:    "invalid format - empty addr",
			input:   "n1=",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeers(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_RingNodes(t *testing.T) {
	cfg := Default()
	cfg.Peers = []Peer{
		{ID: "n2", Addr: "127.0.0.1:50052"},
		{ID: "r1", Addr: "redis://10.0.0.5:6379"},
	}

	nodes, err := cfg.RingNodes()
	require.NoError(t, err)
	assert.Equal(t, []ring.Node{
		{ID: "n2", Host: "127.0.0.1", Port: 50052},
		{ID: "r1", Host: "10.0.0.5", Port: 6379},
	}, nodes)

	p, ok := cfg.Peer("r1")
	require.True(t, ok)
	assert.True(t, p.IsRedis())
	_, ok = cfg.Peer("ghost")
	assert.False(t, ok)
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ring.DefaultVNodes, cfg.Ring.VNodes)
	assert.Equal(t, 3, cfg.Client.ReplicationFactor)
	assert.Equal(t, time.Second, cfg.Client.WriteAckTimeout)
	assert.Equal(t, 3, cfg.Health.Threshold)
	assert.Equal(t, 5*time.Minute, cfg.Replication.SyncInterval)
	assert.Equal(t, 60*time.Second, cfg.Node.SweepInterval)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cachering.yaml")
	data := `
node:
  id: n7
  listen_addr: 0.0.0.0:7007
peers:
  - id: n1
    addr: 127.0.0.1:7001
  - id: n2
    addr: 127.0.0.1:7002
ring:
  vnodes: 64
  hash: md5
client:
  read_mode: race
  write_ack_timeout: 250ms
health:
  interval: 2s
replication:
  prune: true
observability:
  enabled: true
  endpoint: collector:4318
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "n7", cfg.Node.ID)
	assert.Len(t, cfg.Peers, 2)
	assert.Equal(t, 64, cfg.Ring.VNodes)
	assert.Equal(t, "race", cfg.Client.ReadMode)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.WriteAckTimeout)
	assert.Equal(t, 2*time.Second, cfg.Health.Interval)
	assert.True(t, cfg.Replication.Prune)
	assert.True(t, cfg.Observability.Enabled)
	assert.Equal(t, "collector:4318", cfg.Observability.Endpoint)

	// unset keys keep their defaults
	assert.Equal(t, 3, cfg.Client.ReplicationFactor)
	assert.Equal(t, "cachering", cfg.Observability.ServiceName)

	h, err := cfg.HashFunc()
	require.NoError(t, err)
	assert.Equal(t, ring.MD5Hash([]byte("k")), h([]byte("k")))
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ring: [not, a, map]"), 0o644))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CACHERING_NODE_ID", "env-node")
	t.Setenv("CACHERING_PEERS", "a=127.0.0.1:1,b=127.0.0.1:2")
	t.Setenv("CACHERING_VNODES", "10")
	t.Setenv("CACHERING_READ_REPAIR", "true")
	t.Setenv("CACHERING_HEALTH_INTERVAL", "750ms")
	t.Setenv("CACHERING_LOG_LEVEL", "debug")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "env-node", cfg.Node.ID)
	assert.Equal(t, []Peer{{ID: "a", Addr: "127.0.0.1:1"}, {ID: "b", Addr: "127.0.0.1:2"}}, cfg.Peers)
	assert.Equal(t, 10, cfg.Ring.VNodes)
	assert.True(t, cfg.Client.ReadRepair)
	assert.Equal(t, 750*time.Millisecond, cfg.Health.Interval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyEnv_Invalid(t *testing.T) {
	t.Setenv("CACHERING_VNODES", "many")
	t.Setenv("CACHERING_SYNC_INTERVAL", "soon")

	cfg := Default()
	err := cfg.ApplyEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CACHERING_VNODES")
	assert.Contains(t, err.Error(), "CACHERING_SYNC_INTERVAL")
	assert.Equal(t, ring.DefaultVNodes, cfg.Ring.VNodes)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero vnodes", func(c *Config) { c.Ring.VNodes = 0 }},
		{"unknown hash", func(c *Config) { c.Ring.Hash = "crc32" }},
		{"zero replication factor", func(c *Config) { c.Client.ReplicationFactor = 0 }},
		{"unknown read mode", func(c *Config) { c.Client.ReadMode = "quorum" }},
		{"zero threshold", func(c *Config) { c.Health.Threshold = 0 }},
		{"duplicate peer", func(c *Config) {
			c.Peers = []Peer{{ID: "n1", Addr: "127.0.0.1:1"}, {ID: "n1", Addr: "127.0.0.1:2"}}
		}},
		{"bad peer address", func(c *Config) { c.Peers = []Peer{{ID: "n1", Addr: "nowhere"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

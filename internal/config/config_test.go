package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nameserver.yaml")
	data := `
logger:
  level: DEBUG
  json: true
server:
  listen_addr: ":9600"
cluster:
  nodes: ["ns1:9600", "ns2:9600"]
  advertise: "ns2:9600"
  role: slave
sync:
  dir: /var/lib/bfs
  commit_timeout: 2s
  retry_backoff: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "DEBUG", cfg.Logger.Level)
	require.True(t, cfg.Logger.JSON)
	require.Equal(t, ":9600", cfg.Server.ListenAddr)
	require.Equal(t, []string{"ns1:9600", "ns2:9600"}, cfg.Cluster.Nodes)
	require.Equal(t, RoleSlave, cfg.Cluster.Role)
	require.False(t, cfg.IsLeader())
	require.Equal(t, 2*time.Second, cfg.Sync.CommitTimeout)
	require.Equal(t, 250*time.Millisecond, cfg.Sync.RetryBackoff)

	// Untouched fields keep their defaults.
	require.Equal(t, 5*time.Second, cfg.Sync.CheckpointInterval)

	require.Equal(t, filepath.Join("/var/lib/bfs", "sync.log"), cfg.LogPath())
	require.Equal(t, filepath.Join("/var/lib/bfs", "applied.log"), cfg.CheckpointPath())
	require.NoError(t, cfg.Validate())
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"bad role", func(c *Config) { c.Cluster.Role = "primary" }, false},
		{"missing advertise", func(c *Config) { c.Cluster.Advertise = "" }, false},
		{"one node", func(c *Config) { c.Cluster.Nodes = c.Cluster.Nodes[:1] }, false},
		{"one node with zookeeper", func(c *Config) {
			c.Cluster.Nodes = nil
			c.Cluster.Zookeeper.Servers = []string{"zk1:2181"}
		}, true},
		{"missing sync dir", func(c *Config) { c.Sync.Dir = "" }, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
)

// Role names accepted in the cluster section.
const (
	RoleMaster = "master"
	RoleSlave  = "slave"
)

// Config holds all configuration for a nameserver node.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Server  ServerConfig  `yaml:"server"`
	Cluster ClusterConfig `yaml:"cluster"`
	Sync    SyncConfig    `yaml:"sync"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ClusterConfig names the two nameserver nodes and this node's identity.
// Role is static at process start; promotion happens online, never through
// a config change.
type ClusterConfig struct {
	// Nodes are the addresses of the two nameservers. May be left empty
	// when ZooKeeper discovery is configured.
	Nodes []string `yaml:"nodes"`
	// Advertise is this node's own address; it must resolve to one of
	// Nodes.
	Advertise string `yaml:"advertise"`
	// Role is "master" or "slave".
	Role string `yaml:"role"`

	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

// ZookeeperConfig enables registering this node as an ephemeral znode and
// discovering the node pair from ZooKeeper instead of the static list.
type ZookeeperConfig struct {
	Servers []string `yaml:"servers"`
	Root    string   `yaml:"root"`
}

// SyncConfig controls the replication engine.
type SyncConfig struct {
	// Dir holds sync.log and applied.log.
	Dir string `yaml:"dir"`
	// CommitTimeout bounds how long a blocking commit waits for the
	// standby before entering master-only mode.
	CommitTimeout time.Duration `yaml:"commit_timeout"`
	// AsyncTimeout is the delayed check for callback commits.
	AsyncTimeout time.Duration `yaml:"async_timeout"`
	// RetryBackoff is the pause between replication retries while the
	// standby is unreachable.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// CheckpointInterval is the period of the status/checkpoint task.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	// RPCTimeout bounds a single AppendLog attempt to the peer.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			ListenAddr: ":8600",
		},
		Cluster: ClusterConfig{
			Nodes:     []string{"127.0.0.1:8600", "127.0.0.1:8601"},
			Advertise: "127.0.0.1:8600",
			Role:      RoleMaster,
			Zookeeper: ZookeeperConfig{Root: "/bfs"},
		},
		Sync: SyncConfig{
			Dir:                "./data",
			CommitTimeout:      10 * time.Second,
			AsyncTimeout:       10 * time.Second,
			RetryBackoff:       5 * time.Second,
			CheckpointInterval: 5 * time.Second,
			RPCTimeout:         15 * time.Second,
		},
	}
}

// Load reads the yaml config at path. A missing file is not an error: the
// defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate enforces the startup-fatal configuration rules.
func (c *Config) Validate() error {
	if c.Cluster.Role != RoleMaster && c.Cluster.Role != RoleSlave {
		return fmt.Errorf("cluster.role must be %q or %q, got %q", RoleMaster, RoleSlave, c.Cluster.Role)
	}
	if c.Cluster.Advertise == "" {
		return fmt.Errorf("cluster.advertise is required")
	}
	if len(c.Cluster.Zookeeper.Servers) == 0 && len(c.Cluster.Nodes) != 2 {
		return fmt.Errorf("cluster.nodes must list exactly two nameservers, got %d", len(c.Cluster.Nodes))
	}
	if c.Sync.Dir == "" {
		return fmt.Errorf("sync.dir is required")
	}
	return nil
}

// LogPath is the location of the replication log.
func (c *Config) LogPath() string {
	return filepath.Join(c.Sync.Dir, "sync.log")
}

// CheckpointPath is the location of the applied-offset checkpoint.
func (c *Config) CheckpointPath() string {
	return filepath.Join(c.Sync.Dir, "applied.log")
}

// IsLeader reports the initial role.
func (c *Config) IsLeader() bool {
	return c.Cluster.Role == RoleMaster
}

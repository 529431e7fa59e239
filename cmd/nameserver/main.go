package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/uni159169/bfs/internal/config"
	nshttp "github.com/uni159169/bfs/internal/http"
	"github.com/uni159169/bfs/pkg/cluster"
	"github.com/uni159169/bfs/pkg/metrics"
	"github.com/uni159169/bfs/pkg/replication"
	"github.com/uni159169/bfs/pkg/rpc"
)

func main() {
	configPath := flag.String("config", "nameserver.yaml", "path to the yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	peer, err := resolvePeer(&cfg)
	if err != nil {
		slog.Error("failed to resolve peer nameserver", "error", err)
		os.Exit(1)
	}
	slog.Info("nameserver starting",
		"role", cfg.Cluster.Role,
		"advertise", cfg.Cluster.Advertise,
		"peer", peer,
		"dir", cfg.Sync.Dir)

	coll := metrics.NewInMemory()

	node := replication.NewMasterSlave(replication.Config{
		LogPath:            cfg.LogPath(),
		CheckpointPath:     cfg.CheckpointPath(),
		MasterAddr:         masterAddr(&cfg, peer),
		SlaveAddr:          slaveAddr(&cfg, peer),
		IsLeader:           cfg.IsLeader(),
		AsyncTimeout:       cfg.Sync.AsyncTimeout,
		RetryBackoff:       cfg.Sync.RetryBackoff,
		CheckpointInterval: cfg.Sync.CheckpointInterval,
		Dial: func(addr string) replication.Peer {
			return rpc.NewClient(addr, cfg.Sync.RPCTimeout)
		},
		Metrics: coll,
	})

	// The metadata store hooks in here. Until it does, replicated entries
	// are acknowledged and counted only.
	node.RegisterApplyCallback(func(entry []byte) {
		coll.IncCounter("ns_applied_entries", 1)
		slog.Debug("applied log entry", "size", len(entry))
	})

	if err := node.Init(); err != nil {
		slog.Error("failed to init replication", "error", err)
		os.Exit(1)
	}

	server := nshttp.NewServer(node, coll, cfg.Server.ListenAddr)
	if err := server.Start(); err != nil {
		slog.Error("failed to start HTTP server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	slog.Info("nameserver shutting down")
	if err := server.Stop(); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}
	if err := node.Close(); err != nil {
		slog.Error("error closing replication", "error", err)
	}
	slog.Info("nameserver stopped")
}

// resolvePeer finds the other nameserver's address, from ZooKeeper when
// configured and from the static node list otherwise.
func resolvePeer(cfg *config.Config) (string, error) {
	if len(cfg.Cluster.Zookeeper.Servers) > 0 {
		membership, err := cluster.NewZKMembership(
			cfg.Cluster.Zookeeper.Servers,
			cfg.Cluster.Zookeeper.Root,
			cfg.Cluster.Advertise,
		)
		if err != nil {
			return "", err
		}
		// The connection stays open so the ephemeral znode survives.
		return membership.Peer(time.Minute)
	}
	return cluster.Resolve(cfg.Cluster.Nodes, cfg.Cluster.Advertise)
}

func masterAddr(cfg *config.Config, peer string) string {
	if cfg.IsLeader() {
		return cfg.Cluster.Advertise
	}
	return peer
}

func slaveAddr(cfg *config.Config, peer string) string {
	if cfg.IsLeader() {
		return peer
	}
	return cfg.Cluster.Advertise
}

// initLogger configures the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{AddSource: true, Level: parseLevel(cfg.Logger.Level)}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

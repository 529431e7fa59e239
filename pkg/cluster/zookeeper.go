package cluster

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZKMembership registers this nameserver as an ephemeral znode under
// <root>/nameservers and lists the registered pair. It is optional: with a
// static cluster.nodes list the nameservers never talk to ZooKeeper.
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
	local    string // node addr
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath, localAddr string) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: rootPath,
		local:    localAddr,
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates the ephemeral znode for this node. The znode
// disappears with the session, so a crashed nameserver drops out of the
// listing on its own.
func (m *ZKMembership) RegisterSelf() error {
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.rootPath + "/nameservers"); err != nil {
		return fmt.Errorf("ensure nameservers path: %w", err)
	}

	nodePath := fmt.Sprintf("%s/nameservers/%s", m.rootPath, m.local)

	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered nameserver in zookeeper", "path", nodePath)
	return nil
}

// Nodes lists the currently registered nameserver addresses.
func (m *ZKMembership) Nodes() ([]string, error) {
	children, _, err := m.conn.Children(m.rootPath + "/nameservers")
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return children, nil
}

// Peer registers this node, then polls until both nameservers show up and
// returns the other one's address. Registration is done first so that two
// nodes starting at the same time discover each other.
func (m *ZKMembership) Peer(timeout time.Duration) (string, error) {
	if err := m.RegisterSelf(); err != nil {
		return "", err
	}

	deadline := time.Now().Add(timeout)
	for {
		nodes, err := m.Nodes()
		if err != nil {
			return "", err
		}
		if len(nodes) >= 2 {
			if peer, err := Resolve(nodes[:2], m.local); err == nil {
				return peer, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("zk: peer nameserver not registered after %s, nodes=%v", timeout, nodes)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

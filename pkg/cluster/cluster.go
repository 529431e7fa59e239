// Package cluster resolves the nameserver pair this node belongs to, either
// from a static node list or from ZooKeeper.
package cluster

import (
	"fmt"

	"github.com/uni159169/bfs/pkg/syncerrors"
)

// Resolve picks the peer address out of the two-node list. self must be one
// of the listed nodes.
func Resolve(nodes []string, self string) (string, error) {
	if len(nodes) != 2 {
		return "", fmt.Errorf("expected exactly two nameservers, got %d", len(nodes))
	}

	switch self {
	case nodes[0]:
		return nodes[1], nil
	case nodes[1]:
		return nodes[0], nil
	}
	return "", fmt.Errorf("%w: %s not in %v", syncerrors.ErrNotInCluster, self, nodes)
}

package syncerrors

import "errors"

var (
	ErrShortRecord  = errors.New("bfs: short log record")
	ErrClosed       = errors.New("bfs: closed")
	ErrNotInCluster = errors.New("bfs: node does not belong to this cluster")
)

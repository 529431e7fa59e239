package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"github.com/uni159169/bfs/pkg/checkpoint"
	"github.com/uni159169/bfs/pkg/metrics"
	"github.com/uni159169/bfs/pkg/rpc"
	"github.com/uni159169/bfs/pkg/syncerrors"
	"github.com/uni159169/bfs/pkg/taskpool"
	"github.com/uni159169/bfs/pkg/wlog"
)

// ApplyFunc hands a committed entry to the metadata layer. It is invoked
// once per entry in strictly increasing offset order, during startup
// replay and on standby acceptance, and must not block for long.
type ApplyFunc func(entry []byte)

// Peer is the stub for the standby's AppendLog service.
type Peer interface {
	AppendLog(ctx context.Context, offset int64, payload []byte) (*rpc.AppendLogResponse, error)
}

// DialFunc builds a Peer stub for the given node address. It is called at
// Init and again on promotion, when the peer address changes.
type DialFunc func(addr string) Peer

const (
	defaultAsyncTimeout       = 10 * time.Second
	defaultRetryBackoff       = 5 * time.Second
	defaultCheckpointInterval = 5 * time.Second
	poolWorkers               = 10
	poolQueue                 = 64
)

// Config carries the static wiring for a MasterSlave node. MasterAddr and
// SlaveAddr are the resolved addresses of the two cluster nodes; IsLeader
// is this node's initial role.
type Config struct {
	LogPath        string
	CheckpointPath string

	MasterAddr string
	SlaveAddr  string
	IsLeader   bool

	// AsyncTimeout is the delay before a pending LogAsync callback is
	// force-completed and the node enters master-only mode.
	AsyncTimeout time.Duration
	// RetryBackoff is the pause between replication attempts when the
	// standby is unreachable.
	RetryBackoff time.Duration
	// CheckpointInterval is the period of the status/checkpoint task.
	CheckpointInterval time.Duration

	Dial    DialFunc
	Metrics metrics.Collector
}

// MasterSlave keeps the local operation log durably synchronized to one
// designated standby. One mutex guards all watermark state; the replicator
// runs on a single background goroutine while the node is leader.
type MasterSlave struct {
	mu    sync.Mutex
	cfg   Config
	log   *wlog.Log
	ckpt  *checkpoint.Store
	pool  *taskpool.Pool
	peer  Peer
	coll  metrics.Collector
	apply ApplyFunc

	// Watermarks, in bytes into the log. currentOffset is the end of the
	// locally appended (leader) or accepted (standby) log; syncOffset is
	// what the standby has acknowledged; appliedOffset is what has been
	// handed to the apply callback.
	currentOffset int64
	syncOffset    int64
	appliedOffset int64

	isLeader   bool
	masterOnly bool // degraded mode: local durability accepted as sufficient
	halted     bool // replication stopped on an unrecoverable stale rejection

	masterAddr string
	slaveAddr  string

	callbacks *skipmap.FuncMap[int64, func(bool)]

	wakeCh    chan struct{} // kicks the replicator when currentOffset advances
	drainDone chan struct{} // closed and replaced when a drain pass completes

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Status is a point-in-time snapshot of the replication state, backing the
// /status endpoint and the periodic status log line.
type Status struct {
	Role             string `json:"role"`
	CurrentOffset    int64  `json:"current_offset"`
	SyncOffset       int64  `json:"sync_offset"`
	AppliedOffset    int64  `json:"applied_offset"`
	MasterOnly       bool   `json:"master_only"`
	Halted           bool   `json:"halted"`
	PendingCallbacks int    `json:"pending_callbacks"`
}

func NewMasterSlave(cfg Config) *MasterSlave {
	if cfg.AsyncTimeout <= 0 {
		cfg.AsyncTimeout = defaultAsyncTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MasterSlave{
		cfg:        cfg,
		coll:       cfg.Metrics,
		isLeader:   cfg.IsLeader,
		masterAddr: cfg.MasterAddr,
		slaveAddr:  cfg.SlaveAddr,
		pool:       taskpool.New(poolWorkers, poolQueue),
		callbacks: skipmap.NewFunc[int64, func(bool)](func(a, b int64) bool {
			return a < b
		}),
		wakeCh:    make(chan struct{}, 1),
		drainDone: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterApplyCallback sets the external apply handler. It must be called
// before Init, which replays unapplied entries through it.
func (m *MasterSlave) RegisterApplyCallback(fn ApplyFunc) {
	m.apply = fn
}

// Init opens the log and checkpoint, replays entries past the applied
// watermark, dials the peer, and starts the replicator when this node is
// the leader. Errors here are configuration/storage fatals.
func (m *MasterSlave) Init() error {
	if m.apply == nil {
		return errors.New("replication: apply callback not registered")
	}

	l, err := wlog.Open(m.cfg.LogPath)
	if err != nil {
		return fmt.Errorf("open sync log: %w", err)
	}
	m.log = l
	m.currentOffset = l.Size()
	m.syncOffset = m.currentOffset
	slog.Info("sync log opened", "current_offset", m.currentOffset)

	m.ckpt = checkpoint.New(m.cfg.CheckpointPath)
	applied, err := m.ckpt.Load()
	if err != nil {
		l.Close()
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if applied > m.currentOffset {
		l.Close()
		return fmt.Errorf("checkpoint ahead of log: applied=%d, current=%d", applied, m.currentOffset)
	}
	m.appliedOffset = applied

	if err := m.log.Seek(m.appliedOffset); err != nil {
		l.Close()
		return fmt.Errorf("seek to applied offset: %w", err)
	}
	for m.appliedOffset < m.currentOffset {
		payload, err := m.log.Next()
		if err == io.EOF || errors.Is(err, syncerrors.ErrShortRecord) {
			slog.Warn("replay stopped at incomplete record",
				"applied_offset", m.appliedOffset,
				"current_offset", m.currentOffset)
			break
		}
		if err != nil {
			l.Close()
			return fmt.Errorf("replay log: %w", err)
		}
		m.apply(payload)
		m.appliedOffset += int64(len(payload)) + wlog.HeaderSize
	}
	slog.Info("replay finished", "applied_offset", m.appliedOffset)

	if m.cfg.Dial != nil {
		m.peer = m.cfg.Dial(m.slaveAddr)
	}
	if m.isLeader {
		m.startReplicator()
	}
	m.logStatus()
	return nil
}

// IsLeader reports whether this node currently accepts writes.
func (m *MasterSlave) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLeader
}

// Log appends an entry and blocks until the standby has acknowledged it or
// timeout elapses. It always reports success: on timeout the node enters
// master-only mode and local durability is accepted as sufficient. Calling
// Log on a standby is a fatal misuse.
func (m *MasterSlave) Log(entry []byte, timeout time.Duration) bool {
	m.mu.Lock()
	if !m.isLeader {
		m.mu.Unlock()
		panic("replication: Log called on a standby node")
	}
	n := m.appendLocked(entry)
	last := m.currentOffset
	target := last + n
	m.currentOffset = target
	m.wake()

	// Standby already known to be behind: do not wait.
	if m.masterOnly && m.syncOffset < last {
		m.appliedOffset = m.currentOffset
		m.mu.Unlock()
		slog.Warn("master-only mode, not waiting for standby", "offset", last)
		return true
	}
	done := m.drainDone
	m.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-done:
			m.mu.Lock()
			if m.syncOffset >= target {
				if m.masterOnly && m.syncOffset >= m.currentOffset {
					m.masterOnly = false
					slog.Info("leaving master-only mode")
				}
				m.mu.Unlock()
				slog.Debug("sync log done", "offset", last, "took", time.Since(start))
				return true
			}
			done = m.drainDone
			m.mu.Unlock()
		case <-timer.C:
			m.mu.Lock()
			if m.syncOffset >= target {
				m.mu.Unlock()
				return true
			}
			if !m.masterOnly {
				slog.Warn("sync log timeout, entering master-only mode", "offset", last)
				m.coll.IncCounter("sync_degraded_transitions", 1)
				m.masterOnly = true
			}
			// Local durability is accepted as sufficient from here on.
			if m.currentOffset > m.appliedOffset {
				m.appliedOffset = m.currentOffset
			}
			m.mu.Unlock()
			return true
		}
	}
}

// LogAsync appends an entry and registers cb, keyed by the entry's starting
// offset, to fire once the standby acknowledges it. A delayed timeout check
// force-completes the callback and enters master-only mode if the standby
// has not answered in time. Calling LogAsync on a standby is a fatal
// misuse.
func (m *MasterSlave) LogAsync(entry []byte, cb func(bool)) {
	m.mu.Lock()
	if !m.isLeader {
		m.mu.Unlock()
		panic("replication: LogAsync called on a standby node")
	}
	n := m.appendLocked(entry)
	off := m.currentOffset
	m.currentOffset += n

	// Standby already known to be behind: complete immediately.
	if m.masterOnly && m.syncOffset < off {
		m.appliedOffset = m.currentOffset
		m.mu.Unlock()
		cb(true)
		return
	}
	m.callbacks.Store(off, cb)
	m.wake()
	m.mu.Unlock()

	m.pool.Delay(m.cfg.AsyncTimeout, func() {
		m.processCallback(off, n, true)
	})
}

// appendLocked writes the entry to the local log. Local append failure
// means the durability story is gone; the original aborts and so do we.
func (m *MasterSlave) appendLocked(entry []byte) int64 {
	n, err := m.log.Append(entry)
	if err != nil {
		panic(fmt.Sprintf("replication: local log append failed: %v", err))
	}
	m.coll.IncCounter("sync_appended_entries", 1)
	return n
}

// AppendLog is the standby-side acceptance operation. offset must equal
// the standby's own end of log; a request ahead of it is rejected with the
// local offset as a resync hint, a request behind it is rejected with -1.
func (m *MasterSlave) AppendLog(offset int64, payload []byte) (bool, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset > m.currentOffset {
		slog.Info("append request ahead of local log",
			"offset", offset, "current_offset", m.currentOffset)
		return false, m.currentOffset
	}
	if offset < m.currentOffset {
		slog.Info("out-of-date append request",
			"offset", offset, "current_offset", m.currentOffset)
		return false, -1
	}

	n, err := m.log.Append(payload)
	if err != nil {
		// Answer with the resync hint so the leader retries this record.
		slog.Error("standby append failed", "offset", offset, "error", err)
		return false, m.currentOffset
	}
	m.apply(payload)
	m.currentOffset += n
	m.appliedOffset = m.currentOffset
	m.coll.IncCounter("sync_accepted_entries", 1)
	return true, m.currentOffset
}

// Promote switches this node to leader. The replication watermark rewinds
// to the start of the log: the new leader cannot assume the former leader
// ever received anything, so the divergence protocol re-validates the whole
// log against the new standby. There is no demotion path.
func (m *MasterSlave) Promote() {
	m.mu.Lock()
	if m.isLeader {
		m.mu.Unlock()
		return
	}
	m.isLeader = true
	m.syncOffset = 0
	if err := m.log.Seek(0); err != nil {
		slog.Error("rewind log cursor on promote", "error", err)
	}
	m.masterAddr, m.slaveAddr = m.slaveAddr, m.masterAddr
	if m.cfg.Dial != nil {
		m.peer = m.cfg.Dial(m.slaveAddr)
	}
	m.mu.Unlock()

	m.startReplicator()
	slog.Info("node switched to leader", "slave_addr", m.slaveAddr)
}

// Status returns a snapshot of the replication state.
func (m *MasterSlave) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *MasterSlave) statusLocked() Status {
	role := "slave"
	if m.isLeader {
		role = "master"
	}
	return Status{
		Role:             role,
		CurrentOffset:    m.currentOffset,
		SyncOffset:       m.syncOffset,
		AppliedOffset:    m.appliedOffset,
		MasterOnly:       m.masterOnly,
		Halted:           m.halted,
		PendingCallbacks: m.callbacks.Len(),
	}
}

// Close stops the replicator and the task pool, saves a final checkpoint,
// and closes the log. No commit API may be called after Close.
func (m *MasterSlave) Close() error {
	m.cancel()
	m.wg.Wait()
	m.pool.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ckpt != nil {
		if err := m.ckpt.Save(m.appliedOffset); err != nil {
			slog.Error("final checkpoint save failed", "error", err)
		}
	}
	if m.log != nil {
		return m.log.Close()
	}
	return nil
}

func (m *MasterSlave) startReplicator() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.backgroundLog(m.ctx)
	}()
}

// wake nudges the replicator; the 1-buffered channel coalesces signals.
func (m *MasterSlave) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// signalDrainDoneLocked releases every blocked Log caller; they re-check
// their own target offset under the lock.
func (m *MasterSlave) signalDrainDoneLocked() {
	close(m.drainDone)
	m.drainDone = make(chan struct{})
}

// backgroundLog is the replicator loop: idle until currentOffset advances
// past syncOffset, then drain. Runs only while leader; exits on Close.
func (m *MasterSlave) backgroundLog(ctx context.Context) {
	for {
		m.mu.Lock()
		idle := m.halted || m.syncOffset == m.currentOffset
		m.mu.Unlock()
		if !idle {
			m.replicateLog(ctx)
		}
		// Wait for the next append before re-evaluating. A pass that ended
		// early (incomplete trailing record) must not spin.
		select {
		case <-ctx.Done():
			return
		case <-m.wakeCh:
		}
	}
}

// replicateLog drains unacknowledged bytes to the standby. One pass ends
// when syncOffset catches up with currentOffset (signaling committers and
// advancing appliedOffset), when the log has no complete record to ship,
// or when replication halts on an unrecoverable rejection.
func (m *MasterSlave) replicateLog(ctx context.Context) {
	m.mu.Lock()
	if err := m.log.Seek(m.syncOffset); err != nil {
		slog.Error("seek to sync offset", "error", err)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	for {
		m.mu.Lock()
		if m.halted {
			m.mu.Unlock()
			return
		}
		if m.syncOffset >= m.currentOffset {
			m.mu.Unlock()
			break
		}
		offset := m.syncOffset
		payload, err := m.log.Next()
		m.mu.Unlock()

		if err != nil {
			if err == io.EOF || errors.Is(err, syncerrors.ErrShortRecord) {
				slog.Warn("incomplete record, ending drain pass", "sync_offset", offset)
			} else {
				slog.Error("read log for replication", "sync_offset", offset, "error", err)
			}
			return
		}
		n := int64(len(payload)) + wlog.HeaderSize

		resp, ok := m.ship(ctx, offset, payload)
		if !ok {
			return // shutting down
		}
		if !resp.Success {
			if resp.Offset >= 0 {
				// Divergence: the standby told us where its log ends.
				m.coll.IncCounter("sync_resyncs", 1)
				m.mu.Lock()
				m.syncOffset = int64(resp.Offset)
				err := m.log.Seek(m.syncOffset)
				m.mu.Unlock()
				slog.Info("resyncing to standby offset", "sync_offset", resp.Offset)
				if err != nil {
					slog.Error("seek to resync offset", "error", err)
					return
				}
				continue
			}
			// The standby is ahead of this request with no resync hint.
			// That breaks the ordering invariant; resending the same record
			// cannot make progress, so replication stops until an operator
			// intervenes. Commits keep succeeding in master-only mode.
			slog.Error("stale append rejected by standby, halting replication",
				"sync_offset", offset)
			m.coll.IncCounter("sync_halted", 1)
			m.mu.Lock()
			m.halted = true
			m.masterOnly = true
			m.mu.Unlock()
			return
		}

		m.processCallback(offset, n, false)
		m.coll.IncCounter("sync_replicated_entries", 1)
		m.mu.Lock()
		m.syncOffset += n
		if m.masterOnly && m.syncOffset == m.currentOffset {
			m.masterOnly = false
			slog.Info("leaving master-only mode", "sync_offset", m.syncOffset)
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	if m.syncOffset >= m.currentOffset {
		m.appliedOffset = m.currentOffset
	}
	m.signalDrainDoneLocked()
	m.mu.Unlock()
}

// ship sends one record, retrying indefinitely on transport failure: a
// partitioned standby is expected to eventually return. Returns ok=false
// only on shutdown.
func (m *MasterSlave) ship(ctx context.Context, offset int64, payload []byte) (*rpc.AppendLogResponse, bool) {
	for {
		resp, err := m.peer.AppendLog(ctx, offset, payload)
		if err == nil {
			return resp, true
		}
		m.coll.IncCounter("sync_rpc_failures", 1)
		slog.Warn("replicate log failed", "sync_offset", offset, "error", err)
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(m.cfg.RetryBackoff):
		}
	}
}

// processCallback resolves the pending callback registered at offset, if
// any. It runs from the replicator on acknowledgement and from the delayed
// timeout check; LoadAndDelete makes the resolution one-shot, so the
// losing path is a no-op.
func (m *MasterSlave) processCallback(offset, size int64, timeoutCheck bool) {
	cb, ok := m.callbacks.LoadAndDelete(offset)
	if ok {
		cb(true)
		m.mu.Lock()
		if offset+size > m.appliedOffset {
			m.appliedOffset = offset + size
		}
		if timeoutCheck {
			if !m.masterOnly {
				slog.Warn("async sync timeout, entering master-only mode", "offset", offset)
				m.coll.IncCounter("sync_degraded_transitions", 1)
				m.masterOnly = true
			}
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	if m.masterOnly && offset+size == m.currentOffset && m.syncOffset == m.currentOffset {
		m.masterOnly = false
		slog.Info("leaving master-only mode")
	}
	m.mu.Unlock()
}

// logStatus emits the periodic status line, persists the applied-offset
// checkpoint, refreshes gauges, and reschedules itself.
func (m *MasterSlave) logStatus() {
	m.mu.Lock()
	st := m.statusLocked()
	m.mu.Unlock()

	slog.Info("sync status",
		"role", st.Role,
		"sync_offset", st.SyncOffset,
		"current_offset", st.CurrentOffset,
		"applied_offset", st.AppliedOffset,
		"pending_callbacks", st.PendingCallbacks,
		"master_only", st.MasterOnly)

	if err := m.ckpt.Save(st.AppliedOffset); err != nil {
		slog.Error("save checkpoint", "error", err)
	}
	m.coll.SetGauge("sync_current_offset", float64(st.CurrentOffset))
	m.coll.SetGauge("sync_sync_offset", float64(st.SyncOffset))
	m.coll.SetGauge("sync_applied_offset", float64(st.AppliedOffset))
	m.coll.SetGauge("sync_pending_callbacks", float64(st.PendingCallbacks))

	m.pool.Delay(m.cfg.CheckpointInterval, m.logStatus)
}

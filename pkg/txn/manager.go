// Package txn implements transaction lifecycle, the lock table and deadlock
// detection. It is storage-agnostic: the record layer asks it for locks
// and reports commit/abort, and the engine asks it for the oldest visible
// snapshot so vacuum knows which tombstones are safe to reclaim. This
// mirrors the min-active-LSN bookkeeping the engine's transaction registry
// keeps for the same purpose.
package txn

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
	"github.com/kinesis-db/kinesis/pkg/metrics"
	"github.com/kinesis-db/kinesis/pkg/wal"
)

type State int

const (
	Active State = iota
	Committing
	Committed
	Aborted
)

// IsolationLevel selects how much concurrent modification a transaction
// tolerates seeing.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

// Transaction is a unit of work. Record layer operations stamp the WAL
// entries they write with ID and chain PrevLSN through PrevLSN(), giving
// recovery a per-transaction undo chain.
type Transaction struct {
	ID          uint64
	Level       IsolationLevel
	SnapshotLSN uint64

	mu          sync.Mutex
	state       State
	lastLSN     uint64 // LSN of this txn's most recent WAL entry, for PrevLSN chaining
	heldLocks   map[LockKey]LockMode
	snapshots   map[LockKey]any // RepeatableRead/Serializable: value fixed at first read of a key

	cancelOnce sync.Once
	cancel     chan struct{} // closed when the deadlock detector picks this txn as victim while it's blocked elsewhere
}

// SnapshotGet returns the value this transaction fixed the first time it
// read key, if any. Only meaningful for RepeatableRead/Serializable; other
// levels never populate it.
func (t *Transaction) SnapshotGet(key LockKey) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.snapshots[key]
	return v, ok
}

// SnapshotPut fixes val as the value key will keep returning for the rest
// of this transaction's lifetime.
func (t *Transaction) SnapshotPut(key LockKey, val any) {
	t.mu.Lock()
	t.snapshots[key] = val
	t.mu.Unlock()
}

// cancelForDeadlock marks tx as a deadlock victim chosen by some other
// transaction's detection pass and wakes it if it is currently blocked in
// Acquire. Safe to call more than once or concurrently.
func (t *Transaction) cancelForDeadlock() {
	t.cancelOnce.Do(func() { close(t.cancel) })
}

// canceled reports whether this transaction has already been picked as a
// deadlock victim by another transaction's detection pass.
func (t *Transaction) canceled() bool {
	select {
	case <-t.cancel:
		return true
	default:
		return false
	}
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PrevLSN returns the LSN of this transaction's most recent WAL entry,
// which the next entry it writes chains from; SetLastLSN records the new
// one.
func (t *Transaction) PrevLSN() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastLSN
}

func (t *Transaction) SetLastLSN(lsn uint64) {
	t.mu.Lock()
	t.lastLSN = lsn
	t.mu.Unlock()
}

// walAppender is the subset of *wal.Writer the transaction manager needs
// to log Begin/Commit/Abort records. An Engine may hand in a
// metrics-instrumented wrapper instead of the writer itself, as long as
// it satisfies this.
type walAppender interface {
	Append(e *wal.Entry) error
	FlushUntil(lsn uint64) error
}

// Manager owns every active transaction, the lock table and deadlock
// detection. A single Manager is shared by every table in an engine
// instance.
type Manager struct {
	mu      sync.Mutex
	active  map[uint64]*Transaction
	locks   map[LockKey]*lockEntry
	waitFor map[uint64]map[uint64]bool // txn -> set of txns it is blocked behind

	minActiveLSN uint64

	walWriter   walAppender
	lsnTracker  *wal.Tracker
	lockTimeout time.Duration
	metrics     *metrics.Metrics
}

func NewManager(w walAppender, tracker *wal.Tracker, lockTimeout time.Duration, m *metrics.Metrics) *Manager {
	return &Manager{
		active:       make(map[uint64]*Transaction),
		locks:        make(map[LockKey]*lockEntry),
		waitFor:      make(map[uint64]map[uint64]bool),
		minActiveLSN: math.MaxUint64,
		walWriter:    w,
		lsnTracker:   tracker,
		lockTimeout:  lockTimeout,
		metrics:      m,
	}
}

var globalTxnSeq uint64

// Begin starts a new transaction at the given isolation level and logs a
// Begin record if this manager is wired to a durable WAL.
func (m *Manager) Begin(level IsolationLevel) (*Transaction, error) {
	id := atomic.AddUint64(&globalTxnSeq, 1)

	tx := &Transaction{
		ID:        id,
		Level:     level,
		heldLocks: make(map[LockKey]LockMode),
		snapshots: make(map[LockKey]any),
		cancel:    make(chan struct{}),
		state:     Active,
	}

	m.mu.Lock()
	tx.SnapshotLSN = m.lsnTracker.Current()
	m.active[id] = tx
	if tx.SnapshotLSN < m.minActiveLSN {
		m.minActiveLSN = tx.SnapshotLSN
	}
	m.mu.Unlock()

	if m.walWriter != nil {
		lsn := m.lsnTracker.Next()
		e := wal.AcquireEntry()
		e.Header = wal.Header{Magic: wal.Magic, Version: wal.Version, EntryType: wal.EntryBegin, LSN: lsn, TxnID: id}
		err := m.walWriter.Append(e)
		wal.ReleaseEntry(e)
		if err != nil {
			return nil, kerrors.Wrap(err, "append begin record")
		}
		tx.SetLastLSN(lsn)
	}

	return tx, nil
}

// Commit durably logs the commit record (flushing the WAL through it) and
// releases every lock the transaction held.
func (m *Manager) Commit(tx *Transaction) error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return kerrors.Newf("transaction %d is not active", tx.ID)
	}
	tx.state = Committing
	tx.mu.Unlock()

	if m.walWriter != nil {
		lsn := m.lsnTracker.Next()
		e := wal.AcquireEntry()
		e.Header = wal.Header{Magic: wal.Magic, Version: wal.Version, EntryType: wal.EntryCommit, LSN: lsn, TxnID: tx.ID, PrevLSN: tx.PrevLSN()}
		err := m.walWriter.Append(e)
		wal.ReleaseEntry(e)
		if err != nil {
			return kerrors.Wrap(err, "append commit record")
		}
		tx.SetLastLSN(lsn)
		if err := m.walWriter.FlushUntil(lsn); err != nil {
			return kerrors.Wrap(err, "flush commit record")
		}
	}

	tx.mu.Lock()
	tx.state = Committed
	tx.mu.Unlock()

	m.finish(tx)
	if m.metrics != nil {
		m.metrics.TxnCommits.Inc()
	}
	return nil
}

// Abort logs an abort record (best-effort, no flush required) and releases
// locks. The caller is responsible for undoing any writes it already made
// outside the WAL (the record layer does this by simply not having made
// them durable yet, since dirty pages are never flushed ahead of commit).
func (m *Manager) Abort(tx *Transaction) error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return nil
	}
	tx.state = Aborted
	tx.mu.Unlock()

	if m.walWriter != nil {
		lsn := m.lsnTracker.Next()
		e := wal.AcquireEntry()
		e.Header = wal.Header{Magic: wal.Magic, Version: wal.Version, EntryType: wal.EntryAbort, LSN: lsn, TxnID: tx.ID, PrevLSN: tx.PrevLSN()}
		err := m.walWriter.Append(e)
		wal.ReleaseEntry(e)
		if err != nil {
			return kerrors.Wrap(err, "append abort record")
		}
		tx.SetLastLSN(lsn)
	}

	m.finish(tx)
	if m.metrics != nil {
		m.metrics.TxnAborts.Inc()
	}
	return nil
}

func (m *Manager) finish(tx *Transaction) {
	m.mu.Lock()
	delete(m.active, tx.ID)
	m.recomputeMinActiveLocked()
	m.mu.Unlock()

	m.releaseAll(tx)
}

func (m *Manager) recomputeMinActiveLocked() {
	if len(m.active) == 0 {
		m.minActiveLSN = math.MaxUint64
		return
	}
	min := uint64(math.MaxUint64)
	for _, tx := range m.active {
		if tx.SnapshotLSN < min {
			min = tx.SnapshotLSN
		}
	}
	m.minActiveLSN = min
}

// MinActiveSnapshotLSN returns the oldest snapshot any active transaction
// might still need, below which tombstones are safe to vacuum.
func (m *Manager) MinActiveSnapshotLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minActiveLSN
}

// NextLSN exposes the shared tracker for callers (the record layer) that
// need to stamp WAL entries themselves.
func (m *Manager) NextLSN() uint64 { return m.lsnTracker.Next() }

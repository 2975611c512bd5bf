package txn

import (
	"context"
	"math"
	"strconv"
	"time"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
)

// LockMode is the mode of a held lock. Locks are taken on single records
// or, through TableLock, on a whole table; there are no page or intent
// locks.
type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

// LockKey identifies the row a lock guards. tableLevelRecordID is a
// reserved record id used for locks that span a whole table (schema
// changes, uniqueness scans) rather than one row.
type LockKey struct {
	Table    string
	RecordID uint64
}

const tableLevelRecordID = math.MaxUint64

// TableLock builds the key used to lock an entire table rather than one
// record, e.g. while scanning for a uniqueness conflict or publishing a
// new schema version.
func TableLock(table string) LockKey {
	return LockKey{Table: table, RecordID: tableLevelRecordID}
}

type waiter struct {
	txn  uint64
	mode LockMode
	ch   chan struct{}
}

// lockEntry tracks who holds a key and who is waiting for it.
type lockEntry struct {
	holders map[uint64]LockMode
	waiters []*waiter
}

func (e *lockEntry) compatible(mode LockMode, txID uint64) bool {
	if len(e.holders) == 0 {
		return true
	}
	if mode == Shared {
		for _, h := range e.holders {
			if h == Exclusive {
				return false
			}
		}
		return true
	}
	// Exclusive is only compatible with no other holders, or with this
	// same txn already holding it alone (a Shared-to-Exclusive upgrade).
	_, self := e.holders[txID]
	return self && len(e.holders) == 1
}

// Acquire blocks until tx holds mode on key, times out per the manager's
// configured lockTimeout, or the deadlock detector picks tx as a victim.
func (m *Manager) Acquire(ctx context.Context, tx *Transaction, key LockKey, mode LockMode) error {
	if tx.canceled() {
		return &kerrors.DeadlockDetectedError{Victim: tx.ID}
	}

	m.mu.Lock()

	if held, ok := tx.heldLocks[key]; ok && (held == Exclusive || held == mode) {
		m.mu.Unlock()
		return nil
	}

	e, ok := m.locks[key]
	if !ok {
		e = &lockEntry{holders: make(map[uint64]LockMode)}
		m.locks[key] = e
	}

	if e.compatible(mode, tx.ID) && len(e.waiters) == 0 {
		e.holders[tx.ID] = mode
		tx.mu.Lock()
		tx.heldLocks[key] = mode
		tx.mu.Unlock()
		m.mu.Unlock()
		return nil
	}

	w := &waiter{txn: tx.ID, mode: mode, ch: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	for holder := range e.holders {
		if holder == tx.ID {
			continue
		}
		m.addWaitForLocked(tx.ID, holder)
	}
	victim := m.detectDeadlockLocked(tx.ID)
	var victimTx *Transaction
	if victim != 0 && victim != tx.ID {
		victimTx = m.active[victim]
	}
	m.mu.Unlock()

	if victim == tx.ID {
		m.cancelWait(key, w)
		if m.metrics != nil {
			m.metrics.DeadlocksTotal.Inc()
		}
		return &kerrors.DeadlockDetectedError{Victim: tx.ID}
	}
	if victimTx != nil {
		// The youngest txn in the cycle is someone else, already blocked
		// in their own Acquire call below. Wake them so they abort
		// instead of waiting out their full lock timeout.
		victimTx.cancelForDeadlock()
		if m.metrics != nil {
			m.metrics.DeadlocksTotal.Inc()
		}
	}

	timer := time.NewTimer(m.lockTimeout)
	defer timer.Stop()
	start := time.Now()

	select {
	case <-w.ch:
		if m.metrics != nil {
			m.metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
		}
		m.mu.Lock()
		e.holders[tx.ID] = mode
		tx.mu.Lock()
		tx.heldLocks[key] = mode
		tx.mu.Unlock()
		m.removeWaitForLocked(tx.ID)
		m.mu.Unlock()
		return nil
	case <-timer.C:
		m.cancelWait(key, w)
		return &kerrors.LockTimeoutError{Table: key.Table, RecordID: strconv.FormatUint(key.RecordID, 10)}
	case <-ctx.Done():
		m.cancelWait(key, w)
		return ctx.Err()
	case <-tx.cancel:
		m.cancelWait(key, w)
		return &kerrors.DeadlockDetectedError{Victim: tx.ID}
	}
}

// AcquireRead takes the lock appropriate for a single read at tx's
// isolation level and returns a release func the caller must invoke right
// after it finishes reading. ReadUncommitted never locks at all, so it can
// observe a concurrent writer's in-flight value. Every other level
// acquires Shared (blocking until any writer with an incompatible
// Exclusive lock commits or aborts, so the read never sees uncommitted
// data) and drops it immediately afterwards rather than holding it to
// commit: ReadCommitted wants a fresh Shared acquisition on every read,
// and RepeatableRead/Serializable get their "fixed at first read" snapshot
// guarantee from the record layer's per-key cache, not from a held lock.
func (m *Manager) AcquireRead(ctx context.Context, tx *Transaction, key LockKey) (func(), error) {
	if tx.Level == ReadUncommitted {
		return func() {}, nil
	}

	tx.mu.Lock()
	_, alreadyHeld := tx.heldLocks[key]
	tx.mu.Unlock()

	if err := m.Acquire(ctx, tx, key, Shared); err != nil {
		return nil, err
	}
	if alreadyHeld {
		// tx already held this key (e.g. Exclusive from its own earlier
		// write) before this call, which was therefore a short-circuited
		// no-op; don't drop a lock tx still needs held to commit.
		return func() {}, nil
	}
	return func() {
		m.releaseLocked(key, tx.ID)
		tx.mu.Lock()
		delete(tx.heldLocks, key)
		tx.mu.Unlock()
	}, nil
}

func (m *Manager) cancelWait(key LockKey, w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		return
	}
	for i, cand := range e.waiters {
		if cand == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	m.removeWaitForLocked(w.txn)
}

// releaseAll drops every lock tx holds and wakes the next compatible
// waiter(s) on each affected key. Must not be called with m.mu held.
func (m *Manager) releaseAll(tx *Transaction) {
	tx.mu.Lock()
	keys := make([]LockKey, 0, len(tx.heldLocks))
	for k := range tx.heldLocks {
		keys = append(keys, k)
	}
	tx.heldLocks = make(map[LockKey]LockMode)
	tx.mu.Unlock()

	for _, key := range keys {
		m.releaseLocked(key, tx.ID)
	}
}

func (m *Manager) releaseLocked(key LockKey, txID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		return
	}
	delete(e.holders, txID)
	m.removeWaitForLocked(txID)

	if len(e.holders) == 0 && len(e.waiters) > 0 {
		m.wakeLocked(e)
	}
	if len(e.holders) == 0 && len(e.waiters) == 0 {
		delete(m.locks, key)
	}
}

// wakeLocked grants the lock to the next waiter, or to a whole run of
// leading shared waiters if the first one wants Shared. Must hold m.mu.
func (m *Manager) wakeLocked(e *lockEntry) {
	if len(e.waiters) == 0 {
		return
	}
	first := e.waiters[0]
	if first.mode == Exclusive {
		e.waiters = e.waiters[1:]
		close(first.ch)
		return
	}
	i := 0
	for i < len(e.waiters) && e.waiters[i].mode == Shared {
		close(e.waiters[i].ch)
		i++
	}
	e.waiters = e.waiters[i:]
}

func (m *Manager) addWaitForLocked(from, to uint64) {
	set, ok := m.waitFor[from]
	if !ok {
		set = make(map[uint64]bool)
		m.waitFor[from] = set
	}
	set[to] = true
}

func (m *Manager) removeWaitForLocked(txID uint64) {
	delete(m.waitFor, txID)
	for _, set := range m.waitFor {
		delete(set, txID)
	}
}

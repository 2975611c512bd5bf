package txn_test

import (
	"context"
	"testing"
	"time"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
	"github.com/kinesis-db/kinesis/pkg/txn"
	"github.com/kinesis-db/kinesis/pkg/wal"
)

func newTestManager(t *testing.T, timeout time.Duration) *txn.Manager {
	t.Helper()
	return txn.NewManager(nil, wal.NewTracker(0), timeout, nil)
}

func TestAcquireRead_ReadUncommittedNeverBlocks(t *testing.T) {
	m := newTestManager(t, 50*time.Millisecond)
	ctx := context.Background()
	key := txn.LockKey{Table: "users", RecordID: 1}

	writer, err := m.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := m.Acquire(ctx, writer, key, txn.Exclusive); err != nil {
		t.Fatalf("writer Acquire failed: %v", err)
	}

	reader, err := m.Begin(txn.ReadUncommitted)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	release, err := m.AcquireRead(ctx, reader, key)
	if err != nil {
		t.Fatalf("expected ReadUncommitted read to never block, got: %v", err)
	}
	release()
	m.Commit(reader)
	m.Commit(writer)
}

func TestAcquireRead_ReadCommittedReleasesAfterRead(t *testing.T) {
	m := newTestManager(t, 2*time.Second)
	ctx := context.Background()
	key := txn.LockKey{Table: "users", RecordID: 1}

	reader, err := m.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	release, err := m.AcquireRead(ctx, reader, key)
	if err != nil {
		t.Fatalf("AcquireRead failed: %v", err)
	}
	release()

	writer, err := m.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	// If the reader's Shared lock were still held, this would block for
	// the full lock timeout and fail.
	if err := m.Acquire(ctx, writer, key, txn.Exclusive); err != nil {
		t.Fatalf("expected writer to acquire Exclusive immediately after reader released, got: %v", err)
	}
	m.Commit(writer)
	m.Commit(reader)
}

func TestAcquireRead_RepeatableReadDoesNotBlockConcurrentWriter(t *testing.T) {
	m := newTestManager(t, 2*time.Second)
	ctx := context.Background()
	key := txn.LockKey{Table: "users", RecordID: 1}

	reader, err := m.Begin(txn.RepeatableRead)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	release, err := m.AcquireRead(ctx, reader, key)
	if err != nil {
		t.Fatalf("AcquireRead failed: %v", err)
	}
	release()

	writer, err := m.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := m.Acquire(ctx, writer, key, txn.Exclusive); err != nil {
		t.Fatalf("expected RepeatableRead's shared lock to have been dropped after the read, got: %v", err)
	}
	m.Commit(writer)
	m.Commit(reader)
}

func TestManager_DeadlockVictimIsAbortedEvenWhenNotTheCaller(t *testing.T) {
	m := newTestManager(t, 2*time.Second)
	ctx := context.Background()
	keyA := txn.LockKey{Table: "users", RecordID: 1}
	keyB := txn.LockKey{Table: "users", RecordID: 2}

	older, err := m.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	younger, err := m.Begin(txn.ReadCommitted)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if younger.ID <= older.ID {
		t.Fatalf("expected younger.ID > older.ID, got younger=%d older=%d", younger.ID, older.ID)
	}

	if err := m.Acquire(ctx, older, keyA, txn.Exclusive); err != nil {
		t.Fatalf("older Acquire keyA failed: %v", err)
	}
	if err := m.Acquire(ctx, younger, keyB, txn.Exclusive); err != nil {
		t.Fatalf("younger Acquire keyB failed: %v", err)
	}

	// younger blocks waiting on keyA, which older holds. A real caller
	// aborts on a DeadlockDetectedError, which is what releases keyB back
	// to older below.
	youngerErrCh := make(chan error, 1)
	go func() {
		err := m.Acquire(ctx, younger, keyA, txn.Exclusive)
		if err != nil {
			m.Abort(younger)
		}
		youngerErrCh <- err
	}()

	// Give younger's Acquire time to register as a waiter before older
	// closes the cycle by requesting keyB.
	time.Sleep(50 * time.Millisecond)

	// older closing the cycle (it now wants what younger holds) makes
	// younger, the higher transaction id, the computed victim -- a
	// transaction other than the one calling Acquire here.
	start := time.Now()
	err = m.Acquire(ctx, older, keyB, txn.Exclusive)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("expected older's Acquire to succeed once younger is aborted, got: %v", err)
	}
	if elapsed >= 2*time.Second {
		t.Fatalf("older's Acquire took %v, looks like it waited out younger's lock timeout instead of the deadlock being resolved immediately", elapsed)
	}

	select {
	case youngerErr := <-youngerErrCh:
		if _, ok := youngerErr.(*kerrors.DeadlockDetectedError); !ok {
			t.Fatalf("expected younger's blocked Acquire to fail with DeadlockDetectedError, got: %v", youngerErr)
		}
	case <-time.After(time.Second):
		t.Fatal("younger's Acquire never returned; deadlock victim was not woken")
	}

	m.Commit(older)
}

package engine

import (
	"github.com/kinesis-db/kinesis/pkg/codec"
	"github.com/kinesis-db/kinesis/pkg/config"
	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
	"github.com/kinesis-db/kinesis/pkg/record"
	"github.com/kinesis-db/kinesis/pkg/wal"
)

// txnLog accumulates one transaction's operations as the analysis pass
// walks the log, in the order they were written.
type txnLog struct {
	ops       []loggedOp
	committed bool
	aborted   bool
}

type loggedOp struct {
	entryType uint8
	payload   []byte
}

// runRecovery replays every WAL segment under dir against an empty
// catalog, applying the committed operations of every transaction and,
// per policy, either discarding or applying-then-compensating the
// operations of transactions that never reached a commit record. It
// always starts from an empty catalog rather than a checkpoint: a
// checkpoint is a standalone consistent export (Engine.Checkpoint), not a
// truncation point recovery relies on, so there is no LSN-filtering logic
// to get wrong here.
func runRecovery(dir string, layer *record.Layer, tracker *wal.Tracker, policy config.RecoveryPolicy) error {
	txns := make(map[uint64]*txnLog)
	order := make([]uint64, 0, 16)
	var redo []uint64 // owning transaction of each logged operation, in log order
	var maxLSN uint64

	lookup := func(id uint64) *txnLog {
		t, ok := txns[id]
		if !ok {
			t = &txnLog{}
			txns[id] = t
			order = append(order, id)
		}
		return t
	}

	err := wal.Replay(dir, func(e *wal.Entry) error {
		if e.Header.LSN > maxLSN {
			maxLSN = e.Header.LSN
		}
		switch e.Header.EntryType {
		case wal.EntryBegin:
			lookup(e.Header.TxnID)
		case wal.EntryCommit:
			lookup(e.Header.TxnID).committed = true
		case wal.EntryAbort:
			lookup(e.Header.TxnID).aborted = true
		case wal.EntryCompensation:
			// A compensation record is itself idempotent history, not
			// something to redo: RecoverPending already applied and
			// then physically undid the operation it compensates for
			// in the same recovery pass that logged it. Nothing to do
			// on a later replay.
		default:
			t := lookup(e.Header.TxnID)
			t.ops = append(t.ops, loggedOp{
				entryType: e.Header.EntryType,
				payload:   append([]byte(nil), e.Payload...),
			})
			redo = append(redo, e.Header.TxnID)
		}
		return nil
	})
	if err != nil {
		return kerrors.Wrap(err, "replay wal for recovery")
	}

	tracker.Set(maxLSN)

	next := make(map[uint64]int)
	for _, id := range redo {
		if t := txns[id]; t.committed {
			if err := applyOne(layer, t.ops[next[id]], maxLSN); err != nil {
				return kerrors.Wrapf(err, "redo committed transaction %d", id)
			}
		}
		next[id]++
	}

	for _, id := range order {
		t := txns[id]
		switch {
		case t.committed:
		case policy == config.RecoverPending && !t.aborted:
			if err := applyOps(layer, t.ops, maxLSN); err != nil {
				return kerrors.Wrapf(err, "apply pending transaction %d", id)
			}
			if err := compensate(layer, tracker, t.ops); err != nil {
				return kerrors.Wrapf(err, "compensate pending transaction %d", id)
			}
		}
		// DiscardPending (or an already-aborted transaction): the ops
		// never happened as far as the restored catalog is concerned.
	}

	return nil
}

// applyOps replays one transaction's logged operations, in log order, via
// the record layer's lock-free Redo* helpers.
func applyOps(layer *record.Layer, ops []loggedOp, lsn uint64) error {
	for _, op := range ops {
		if err := applyOne(layer, op, lsn); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(layer *record.Layer, op loggedOp, lsn uint64) error {
	switch op.entryType {
	case wal.EntryInsert:
		w, err := codec.DecodeWriteOp(op.payload)
		if err != nil {
			return err
		}
		return layer.RedoInsert(w.Table, w.RecordID, w.SchemaVersion, w.Fields, lsn)
	case wal.EntryUpdate:
		w, err := codec.DecodeWriteOp(op.payload)
		if err != nil {
			return err
		}
		return layer.RedoUpdate(w.Table, w.RecordID, w.SchemaVersion, w.Fields, w.PrevRef, lsn)
	case wal.EntryDelete:
		d, err := codec.DecodeDeleteOp(op.payload)
		if err != nil {
			return err
		}
		return layer.RedoDelete(d.Table, d.RecordID, lsn)
	case wal.EntrySchemaChange:
		s, err := codec.DecodeSchemaChangeOp(op.payload)
		if err != nil {
			return err
		}
		return layer.RedoSchemaChange(s)
	case wal.EntryDropTable:
		d, err := codec.DecodeDropTableOp(op.payload)
		if err != nil {
			return err
		}
		return layer.RedoDropTable(d.Table)
	default:
		return kerrors.Newf("recovery: unknown wal entry type %d", op.entryType)
	}
}

// compensate undoes a pending transaction's operations in reverse order
// once RecoverPending has applied them, logging an EntryCompensation
// (CLR) record for each undo so the attempted-then-abandoned work stays
// visible in the log for audit, even though it never surfaces to readers.
func compensate(layer *record.Layer, tracker *wal.Tracker, ops []loggedOp) error {
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		lsn := tracker.Next()
		if err := undoOne(layer, op, lsn); err != nil {
			return err
		}
		e := wal.AcquireEntry()
		e.Header = wal.Header{Magic: wal.Magic, Version: wal.Version, EntryType: wal.EntryCompensation, LSN: lsn}
		e.Payload = append(e.Payload[:0], op.payload...)
		err := layer.AppendCompensation(e)
		wal.ReleaseEntry(e)
		if err != nil {
			return err
		}
	}
	return nil
}

func undoOne(layer *record.Layer, op loggedOp, lsn uint64) error {
	switch op.entryType {
	case wal.EntryInsert:
		w, err := codec.DecodeWriteOp(op.payload)
		if err != nil {
			return err
		}
		return layer.UndoInsert(w.Table, w.RecordID, lsn)
	case wal.EntryUpdate:
		w, err := codec.DecodeWriteOp(op.payload)
		if err != nil {
			return err
		}
		return layer.UndoUpdate(w.Table, w.RecordID, w.PrevRef)
	case wal.EntryDelete:
		d, err := codec.DecodeDeleteOp(op.payload)
		if err != nil {
			return err
		}
		return layer.UndoDelete(d.Table, d.RecordID, d.PrevRef)
	case wal.EntrySchemaChange, wal.EntryDropTable:
		// Schema operations are not compensated: undoing a table's
		// structure without also restoring every row written under it
		// would be unsound, so whatever a pending schema operation did to
		// the catalog stays in place.
		return nil
	default:
		return kerrors.Newf("recovery: unknown wal entry type %d", op.entryType)
	}
}

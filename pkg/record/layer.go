// Package record maps (table, record-id) pairs to typed tuples, validates
// them against the catalog's current schema, and routes every mutation
// through the transaction manager and write-ahead log before it ever
// touches a page. Grounded on the teacher's StorageEngine.Put: WAL append
// first, then heap write, then index update, generalized from one
// untyped-JSON B+Tree to per-table catalog-declared schemas and typed
// field maps.
package record

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kinesis-db/kinesis/pkg/bufferpool"
	"github.com/kinesis-db/kinesis/pkg/catalog"
	"github.com/kinesis-db/kinesis/pkg/codec"
	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
	"github.com/kinesis-db/kinesis/pkg/index"
	"github.com/kinesis-db/kinesis/pkg/page"
	"github.com/kinesis-db/kinesis/pkg/txn"
	"github.com/kinesis-db/kinesis/pkg/types"
	"github.com/kinesis-db/kinesis/pkg/wal"
)

// Appender is the subset of *wal.Writer the record layer needs. An
// Engine may wrap a *wal.Writer in a metrics-instrumented adapter that
// also satisfies this, so Layer never has to know the difference.
type Appender interface {
	Append(e *wal.Entry) error
}

// Layer is the record-level storage engine shared by every table in an
// Engine instance.
type Layer struct {
	catalog *catalog.Catalog
	pool    *bufferpool.Pool
	wal     Appender // nil for a non-durable in-memory engine
	tracker *wal.Tracker
	txns    *txn.Manager

	mu       sync.Mutex
	heapHead map[string]page.PageID
	heapTail map[string]page.PageID
}

func NewLayer(cat *catalog.Catalog, pool *bufferpool.Pool, w Appender, tracker *wal.Tracker, txns *txn.Manager) *Layer {
	return &Layer{
		catalog:  cat,
		pool:     pool,
		wal:      w,
		tracker:  tracker,
		txns:     txns,
		heapHead: make(map[string]page.PageID),
		heapTail: make(map[string]page.PageID),
	}
}

// SetWAL and SetTxns wire in a WAL writer and transaction manager after
// construction. Engine's OnDisk/Hybrid construction passes its
// already-open writer to NewLayer, so that recovery's compensation
// records reach the log, and calls SetTxns once recovery has finished,
// since the transaction manager is created only after it.
func (l *Layer) SetWAL(w Appender)      { l.wal = w }
func (l *Layer) SetTxns(t *txn.Manager) { l.txns = t }

// withAutoCommit runs fn inside tx if it is non-nil, otherwise begins and
// commits (or aborts on error) a throwaway ReadCommitted transaction
// around it. Engine passes its caller's tx through unchanged, so a nil tx
// on any Engine CRUD call runs through this path too.
func (l *Layer) withAutoCommit(ctx context.Context, tx *txn.Transaction, fn func(*txn.Transaction) error) error {
	if tx != nil {
		return fn(tx)
	}
	own, err := l.txns.Begin(txn.ReadCommitted)
	if err != nil {
		return err
	}
	if err := fn(own); err != nil {
		l.txns.Abort(own)
		return err
	}
	return l.txns.Commit(own)
}

func (l *Layer) nextLSN() uint64 {
	if l.tracker != nil {
		return l.tracker.Next()
	}
	return 0
}

func (l *Layer) appendWAL(tx *txn.Transaction, lsn uint64, entryType uint8, payload []byte) error {
	if l.wal == nil {
		return nil
	}
	e := wal.AcquireEntry()
	defer wal.ReleaseEntry(e)
	e.Header = wal.Header{
		Magic: wal.Magic, Version: wal.Version, EntryType: entryType,
		LSN: lsn, TxnID: tx.ID, PrevLSN: tx.PrevLSN(),
	}
	e.Payload = append(e.Payload[:0], payload...)
	if err := l.wal.Append(e); err != nil {
		return kerrors.Wrap(err, "append wal entry")
	}
	tx.SetLastLSN(lsn)
	return nil
}

// Insert stores a brand-new record. id must not already exist in table.
func (l *Layer) Insert(ctx context.Context, tx *txn.Transaction, tableName string, id uint64, fields map[string]types.Value) error {
	return l.withAutoCommit(ctx, tx, func(tx *txn.Transaction) error {
		t, err := l.catalog.Table(tableName)
		if err != nil {
			return err
		}
		key := txn.LockKey{Table: tableName, RecordID: id}
		if err := l.txns.Acquire(ctx, tx, key, txn.Exclusive); err != nil {
			return err
		}

		if _, exists := t.Index.Get(types.IntKey(id)); exists {
			return &kerrors.DuplicateRecordIdError{Table: tableName, ID: strconv.FormatUint(id, 10)}
		}

		schema := t.CurrentSchema()
		normalized, err := ValidateAndFill(schema, fields)
		if err != nil {
			return err
		}
		if err := l.checkUnique(ctx, tx, t, schema, id, normalized); err != nil {
			return err
		}

		payload, err := codec.EncodeFields(normalized)
		if err != nil {
			return err
		}

		lsn := l.nextLSN()
		walOp, err := codec.EncodeWriteOp(&codec.WriteOp{
			Table: tableName, RecordID: id, SchemaVersion: schema.Version,
			Fields: payload, PrevRef: 0,
		})
		if err != nil {
			return err
		}
		if err := l.appendWAL(tx, lsn, wal.EntryInsert, walOp); err != nil {
			return err
		}

		ref, err := l.writeTuple(tableName, tupleHeader{Valid: true, CreateLSN: lsn, SchemaVersion: schema.Version}, payload)
		if err != nil {
			return err
		}
		if err := t.Index.Insert(types.IntKey(id), int64(ref)); err != nil {
			return mapIndexError(tableName, id, err)
		}
		t.RowCount++
		return nil
	})
}

// Update merges fields into the record's existing values; fields not
// named are retained unchanged. The merged result must still satisfy the
// table's current schema.
func (l *Layer) Update(ctx context.Context, tx *txn.Transaction, tableName string, id uint64, fields map[string]types.Value) error {
	return l.withAutoCommit(ctx, tx, func(tx *txn.Transaction) error {
		t, err := l.catalog.Table(tableName)
		if err != nil {
			return err
		}
		key := txn.LockKey{Table: tableName, RecordID: id}
		if err := l.txns.Acquire(ctx, tx, key, txn.Exclusive); err != nil {
			return err
		}

		oldRefRaw, ok := t.Index.Get(types.IntKey(id))
		if !ok {
			return &kerrors.RecordNotFoundError{Table: tableName, ID: strconv.FormatUint(id, 10)}
		}
		oldRef := Ref(oldRefRaw)

		schema := t.CurrentSchema()
		_, existing, err := l.readTuple(schema, oldRef)
		if err != nil {
			return err
		}
		merged := make(map[string]types.Value, len(existing)+len(fields))
		for k, v := range existing {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}

		normalized, err := ValidateAndFill(schema, merged)
		if err != nil {
			return err
		}
		if err := l.checkUnique(ctx, tx, t, schema, id, normalized); err != nil {
			return err
		}

		payload, err := codec.EncodeFields(normalized)
		if err != nil {
			return err
		}

		lsn := l.nextLSN()
		walOp, err := codec.EncodeWriteOp(&codec.WriteOp{
			Table: tableName, RecordID: id, SchemaVersion: schema.Version,
			Fields: payload, PrevRef: int64(oldRef),
		})
		if err != nil {
			return err
		}
		if err := l.appendWAL(tx, lsn, wal.EntryUpdate, walOp); err != nil {
			return err
		}

		// A new version is written as a fresh tuple rather than mutated in
		// place, so the prior version survives for any snapshot read that
		// still needs it until vacuum reclaims it.
		newRef, err := l.writeTuple(tableName, tupleHeader{
			Valid: true, CreateLSN: lsn, PrevRef: int64(oldRef), SchemaVersion: schema.Version,
		}, payload)
		if err != nil {
			return err
		}
		if err := t.Index.Replace(types.IntKey(id), int64(newRef)); err != nil {
			return kerrors.Wrap(err, "replace index entry")
		}
		return nil
	})
}

// Delete removes a record by id. The tuple is tombstoned (DeleteLSN set)
// rather than physically erased; vacuum reclaims it once no active
// transaction's snapshot can still need it.
func (l *Layer) Delete(ctx context.Context, tx *txn.Transaction, tableName string, id uint64) error {
	return l.withAutoCommit(ctx, tx, func(tx *txn.Transaction) error {
		t, err := l.catalog.Table(tableName)
		if err != nil {
			return err
		}
		key := txn.LockKey{Table: tableName, RecordID: id}
		if err := l.txns.Acquire(ctx, tx, key, txn.Exclusive); err != nil {
			return err
		}

		refRaw, ok := t.Index.Get(types.IntKey(id))
		if !ok {
			return &kerrors.RecordNotFoundError{Table: tableName, ID: strconv.FormatUint(id, 10)}
		}
		ref := Ref(refRaw)

		lsn := l.nextLSN()
		walOp, err := codec.EncodeDeleteOp(&codec.DeleteOp{Table: tableName, RecordID: id, PrevRef: int64(ref)})
		if err != nil {
			return err
		}
		if err := l.appendWAL(tx, lsn, wal.EntryDelete, walOp); err != nil {
			return err
		}

		if err := l.markDeleted(ref, lsn); err != nil {
			return err
		}
		t.Index.Delete(types.IntKey(id))
		t.RowCount--
		return nil
	})
}

// Get returns the current value of a record, or RecordNotFound. Under
// RepeatableRead/Serializable the value returned by a key's first read in
// a transaction is cached and replayed on every later Get of that key in
// the same transaction, regardless of concurrent commits; ReadUncommitted
// and ReadCommitted always consult the live index (see
// txn.Manager.AcquireRead for the locking each level gets).
func (l *Layer) Get(ctx context.Context, tx *txn.Transaction, tableName string, id uint64) (*Row, error) {
	var row *Row
	err := l.withAutoCommit(ctx, tx, func(tx *txn.Transaction) error {
		t, err := l.catalog.Table(tableName)
		if err != nil {
			return err
		}
		key := txn.LockKey{Table: tableName, RecordID: id}

		snapshotted := tx.Level == txn.RepeatableRead || tx.Level == txn.Serializable
		if snapshotted {
			if cached, ok := tx.SnapshotGet(key); ok {
				if cached == nil {
					return &kerrors.RecordNotFoundError{Table: tableName, ID: strconv.FormatUint(id, 10)}
				}
				row = cached.(*Row)
				return nil
			}
		}

		release, err := l.txns.AcquireRead(ctx, tx, key)
		if err != nil {
			return err
		}
		defer release()

		refRaw, ok := t.Index.Get(types.IntKey(id))
		if !ok {
			if snapshotted {
				tx.SnapshotPut(key, nil)
			}
			return &kerrors.RecordNotFoundError{Table: tableName, ID: strconv.FormatUint(id, 10)}
		}
		schema := t.CurrentSchema()
		h, fields, err := l.readTuple(schema, Ref(refRaw))
		if err != nil {
			return err
		}
		row = &Row{ID: id, SchemaVersion: h.SchemaVersion, Fields: fields}
		if snapshotted {
			tx.SnapshotPut(key, row)
		}
		return nil
	})
	return row, err
}

// List returns every live record in a table, ordered by the lexicographic
// (string) form of its id, per GET_RECORDS's documented ordering.
func (l *Layer) List(ctx context.Context, tx *txn.Transaction, tableName string) ([]*Row, error) {
	return l.scan(ctx, tx, tableName, nil)
}

// Search returns every live record with at least one string field
// containing substr (case-sensitive), in the same order as List.
func (l *Layer) Search(ctx context.Context, tx *txn.Transaction, tableName string, substr string) ([]*Row, error) {
	return l.scan(ctx, tx, tableName, func(r *Row) bool {
		for _, v := range r.Fields {
			if v.Type == types.String && strings.Contains(v.S, substr) {
				return true
			}
		}
		return false
	})
}

func (l *Layer) scan(ctx context.Context, tx *txn.Transaction, tableName string, match func(*Row) bool) ([]*Row, error) {
	var rows []*Row
	err := l.withAutoCommit(ctx, tx, func(tx *txn.Transaction) error {
		t, err := l.catalog.Table(tableName)
		if err != nil {
			return err
		}
		release, err := l.txns.AcquireRead(ctx, tx, txn.TableLock(tableName))
		if err != nil {
			return err
		}
		defer release()
		schema := t.CurrentSchema()
		for _, e := range t.Index.All() {
			ik, ok := e.Key.(types.IntKey)
			if !ok {
				continue
			}
			h, fields, err := l.readTuple(schema, Ref(e.Ref))
			if err != nil {
				continue
			}
			row := &Row{ID: uint64(ik), SchemaVersion: h.SchemaVersion, Fields: fields}
			if match == nil || match(row) {
				rows = append(rows, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		return strconv.FormatUint(rows[i].ID, 10) < strconv.FormatUint(rows[j].ID, 10)
	})
	return rows, nil
}

// checkUnique scans every row the table's index currently points at,
// including versions written by transactions that have not committed yet,
// for any other record whose unique field already holds one of
// normalized's values.
func (l *Layer) checkUnique(ctx context.Context, tx *txn.Transaction, t *catalog.Table, schema *catalog.Schema, id uint64, normalized map[string]types.Value) error {
	uniqueFields := UniqueFields(schema)
	if len(uniqueFields) == 0 {
		return nil
	}
	if err := l.txns.Acquire(ctx, tx, txn.TableLock(t.Name), txn.Shared); err != nil {
		return err
	}
	for _, e := range t.Index.All() {
		ik, ok := e.Key.(types.IntKey)
		if !ok || uint64(ik) == id {
			continue
		}
		_, fields, err := l.readTuple(schema, Ref(e.Ref))
		if err != nil {
			continue
		}
		for _, name := range uniqueFields {
			v, ok := normalized[name]
			if !ok {
				continue
			}
			if other, ok := fields[name]; ok && other.Equal(v) {
				return &kerrors.UniqueViolationError{Field: name, Value: v.String()}
			}
		}
	}
	return nil
}

func (l *Layer) readTuple(schema *catalog.Schema, ref Ref) (tupleHeader, map[string]types.Value, error) {
	pid, slot := ref.Decode()
	frame, err := l.pool.Fetch(pid)
	if err != nil {
		return tupleHeader{}, nil, err
	}
	frame.RLock()
	data, err := frame.Page.GetTuple(slot)
	frame.RUnlock()
	l.pool.Unpin(pid, false)
	if err != nil {
		return tupleHeader{}, nil, err
	}

	h, payload := unpackTuple(data)
	if !h.Valid || h.DeleteLSN != 0 {
		return tupleHeader{}, nil, kerrors.New("record is not live")
	}
	fields, err := codec.DecodeFields(payload, func(name string) (types.FieldType, bool) {
		f, ok := schema.Field(name)
		if !ok {
			return 0, false
		}
		return f.Type, true
	})
	if err != nil {
		return tupleHeader{}, nil, err
	}
	return h, fields, nil
}

func (l *Layer) markDeleted(ref Ref, lsn uint64) error {
	pid, slot := ref.Decode()
	frame, err := l.pool.Fetch(pid)
	if err != nil {
		return err
	}
	frame.Lock()
	data, err := frame.Page.GetTuple(slot)
	if err != nil {
		frame.Unlock()
		l.pool.Unpin(pid, false)
		return err
	}
	h, payload := unpackTuple(data)
	h.DeleteLSN = lsn
	err = frame.Page.UpdateTuple(slot, packTuple(h, payload))
	frame.Page.SetLSN(lsn)
	frame.Unlock()
	l.pool.Unpin(pid, true)
	return err
}

// writeTuple appends a tuple to the table's current heap page, rolling
// over to a freshly allocated page when there isn't room.
func (l *Layer) writeTuple(tableName string, h tupleHeader, payload []byte) (Ref, error) {
	data := packTuple(h, payload)

	l.mu.Lock()
	tail, ok := l.heapTail[tableName]
	l.mu.Unlock()

	var frame *bufferpool.Frame
	var err error
	if ok {
		frame, err = l.pool.Fetch(tail)
		if err != nil {
			return 0, err
		}
		frame.Lock()
		if frame.Page.FreeSpace() < len(data) {
			frame.Unlock()
			l.pool.Unpin(tail, false)
			frame, tail, err = l.newHeapPage(tableName, tail)
			if err != nil {
				return 0, err
			}
			frame.Lock()
		}
	} else {
		frame, tail, err = l.newHeapPage(tableName, page.InvalidPageID)
		if err != nil {
			return 0, err
		}
		frame.Lock()
	}

	slot, err := frame.Page.InsertTuple(data)
	if err != nil {
		frame.Unlock()
		l.pool.Unpin(tail, false)
		return 0, err
	}
	frame.Page.SetLSN(h.CreateLSN)
	frame.Unlock()
	l.pool.Unpin(tail, true)

	return EncodeRef(tail, slot), nil
}

func (l *Layer) newHeapPage(tableName string, prev page.PageID) (*bufferpool.Frame, page.PageID, error) {
	frame, err := l.pool.NewPage(page.KindData)
	if err != nil {
		return nil, 0, err
	}
	if prev != page.InvalidPageID {
		if prevFrame, err := l.pool.Fetch(prev); err == nil {
			prevFrame.Lock()
			prevFrame.Page.SetNextPageID(frame.Page.ID())
			prevFrame.Unlock()
			l.pool.Unpin(prev, true)
		}
	}
	l.mu.Lock()
	if _, ok := l.heapHead[tableName]; !ok {
		l.heapHead[tableName] = frame.Page.ID()
	}
	l.heapTail[tableName] = frame.Page.ID()
	l.mu.Unlock()
	return frame, frame.Page.ID(), nil
}

// ForgetHeap drops a table's heap-chain bookkeeping, so that a later
// CreateTable reusing the same name starts a fresh chain instead of
// appending behind the dropped table's pages.
func (l *Layer) ForgetHeap(tableName string) {
	l.mu.Lock()
	delete(l.heapHead, tableName)
	delete(l.heapTail, tableName)
	l.mu.Unlock()
}

// AppendCompensation writes a pre-built CLR record straight to the WAL.
// Used only by recovery, which assembles the entry itself since a
// compensation record isn't tied to a live *txn.Transaction.
func (l *Layer) AppendCompensation(e *wal.Entry) error {
	if l.wal == nil {
		return nil
	}
	if err := l.wal.Append(e); err != nil {
		return kerrors.Wrap(err, "append compensation record")
	}
	return nil
}

func mapIndexError(tableName string, id uint64, err error) error {
	if _, ok := err.(*index.DuplicateKeyError); ok {
		return &kerrors.DuplicateRecordIdError{Table: tableName, ID: strconv.FormatUint(id, 10)}
	}
	return err
}

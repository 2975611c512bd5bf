package record

import (
	"github.com/kinesis-db/kinesis/pkg/catalog"
	"github.com/kinesis-db/kinesis/pkg/codec"
	"github.com/kinesis-db/kinesis/pkg/types"
)

// The methods in this file are used only by Engine's recovery pass. They
// skip locking (recovery runs single-threaded, before the engine accepts
// new traffic) and the validation Insert/Update perform on the live path,
// since a logged operation is by definition a value that already passed
// validation once.

func (l *Layer) RedoInsert(tableName string, id uint64, schemaVersion uint32, fieldsBSON []byte, lsn uint64) error {
	t, err := l.catalog.Table(tableName)
	if err != nil {
		return err
	}
	ref, err := l.writeTuple(tableName, tupleHeader{Valid: true, CreateLSN: lsn, SchemaVersion: schemaVersion}, fieldsBSON)
	if err != nil {
		return err
	}
	if _, existed := t.Index.Get(types.IntKey(id)); !existed {
		t.RowCount++
	}
	return t.Index.Replace(types.IntKey(id), int64(ref))
}

func (l *Layer) RedoUpdate(tableName string, id uint64, schemaVersion uint32, fieldsBSON []byte, prevRef int64, lsn uint64) error {
	t, err := l.catalog.Table(tableName)
	if err != nil {
		return err
	}
	ref, err := l.writeTuple(tableName, tupleHeader{
		Valid: true, CreateLSN: lsn, PrevRef: prevRef, SchemaVersion: schemaVersion,
	}, fieldsBSON)
	if err != nil {
		return err
	}
	return t.Index.Replace(types.IntKey(id), int64(ref))
}

func (l *Layer) RedoDelete(tableName string, id uint64, lsn uint64) error {
	t, err := l.catalog.Table(tableName)
	if err != nil {
		return err
	}
	refRaw, ok := t.Index.Get(types.IntKey(id))
	if !ok {
		return nil
	}
	if err := l.markDeleted(Ref(refRaw), lsn); err != nil {
		return err
	}
	t.Index.Delete(types.IntKey(id))
	t.RowCount--
	return nil
}

func (l *Layer) RedoSchemaChange(op *codec.SchemaChangeOp) error {
	fields := fromSchemaSnapshot(op.Schema)
	if _, err := l.catalog.Table(op.Table); err != nil {
		if op.Schema.Version != 1 {
			return err
		}
		_, cerr := l.catalog.CreateTable(op.Table, fields)
		return cerr
	}
	_, err := l.catalog.UpdateSchema(op.Table, fields)
	return err
}

func (l *Layer) RedoDropTable(tableName string) error {
	if err := l.catalog.DropTable(tableName); err != nil {
		return err
	}
	l.ForgetHeap(tableName)
	return nil
}

// UndoInsert reverses a redo-applied insert during RecoverPending
// compensation: the record is removed again.
func (l *Layer) UndoInsert(tableName string, id uint64, lsn uint64) error {
	return l.RedoDelete(tableName, id, lsn)
}

// UndoUpdate restores the index entry to the version the update replaced.
func (l *Layer) UndoUpdate(tableName string, id uint64, prevRef int64) error {
	t, err := l.catalog.Table(tableName)
	if err != nil {
		return err
	}
	return t.Index.Replace(types.IntKey(id), prevRef)
}

// UndoDelete restores a tombstoned tuple and re-links the index to it.
func (l *Layer) UndoDelete(tableName string, id uint64, prevRef int64) error {
	t, err := l.catalog.Table(tableName)
	if err != nil {
		return err
	}
	if err := l.clearDeleted(Ref(prevRef)); err != nil {
		return err
	}
	t.RowCount++
	return t.Index.Replace(types.IntKey(id), prevRef)
}

func (l *Layer) clearDeleted(ref Ref) error {
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
	h.DeleteLSN = 0
	err = frame.Page.UpdateTuple(slot, packTuple(h, payload))
	frame.Unlock()
	l.pool.Unpin(pid, true)
	return err
}

func fromSchemaSnapshot(s codec.SchemaSnapshot) []catalog.FieldDef {
	out := make([]catalog.FieldDef, 0, len(s.Fields))
	for _, f := range s.Fields {
		fd := catalog.FieldDef{
			Name:       f.Name,
			Type:       types.FieldType(f.Type),
			Required:   f.Required,
			Unique:     f.Unique,
			Min:        f.Min,
			Max:        f.Max,
			PatternSrc: f.PatternSrc,
		}
		if f.Default != nil {
			v := toTypesValue(*f.Default)
			fd.Default = &v
		}
		out = append(out, fd)
	}
	return out
}

func toTypesValue(s codec.ValueSnapshot) types.Value {
	switch types.FieldType(s.Type) {
	case types.String:
		return types.NewString(s.S)
	case types.Integer:
		return types.NewInteger(s.I)
	case types.Float:
		return types.NewFloat(s.F)
	case types.Boolean:
		return types.NewBoolean(s.B)
	default:
		return types.NewString("")
	}
}

package codec

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
)

// WriteOp is the WAL payload for EntryInsert/EntryUpdate.
type WriteOp struct {
	Table         string
	RecordID      uint64
	SchemaVersion uint32
	Fields        []byte // BSON-encoded field map, see EncodeFields
	PrevRef       int64  // storage reference of the version this replaces, 0 if none
}

// DeleteOp is the WAL payload for EntryDelete.
type DeleteOp struct {
	Table    string
	RecordID uint64
	PrevRef  int64
}

// SchemaChangeOp is the WAL payload for EntrySchemaChange. Schema.Version
// == 1 means the table did not exist before this record (CREATE_TABLE);
// any later version is an UPDATE_SCHEMA.
type SchemaChangeOp struct {
	Table  string
	Schema SchemaSnapshot
}

// DropTableOp is the WAL payload for EntryDropTable.
type DropTableOp struct {
	Table string
}

func EncodeDropTableOp(op *DropTableOp) ([]byte, error) {
	b, err := bson.Marshal(op)
	return b, kerrors.Wrap(err, "encode wal drop table op")
}

func DecodeDropTableOp(data []byte) (*DropTableOp, error) {
	var op DropTableOp
	if err := bson.Unmarshal(data, &op); err != nil {
		return nil, kerrors.Wrap(err, "decode wal drop table op")
	}
	return &op, nil
}

func EncodeWriteOp(op *WriteOp) ([]byte, error) {
	b, err := bson.Marshal(op)
	return b, kerrors.Wrap(err, "encode wal write op")
}

func DecodeWriteOp(data []byte) (*WriteOp, error) {
	var op WriteOp
	if err := bson.Unmarshal(data, &op); err != nil {
		return nil, kerrors.Wrap(err, "decode wal write op")
	}
	return &op, nil
}

func EncodeDeleteOp(op *DeleteOp) ([]byte, error) {
	b, err := bson.Marshal(op)
	return b, kerrors.Wrap(err, "encode wal delete op")
}

func DecodeDeleteOp(data []byte) (*DeleteOp, error) {
	var op DeleteOp
	if err := bson.Unmarshal(data, &op); err != nil {
		return nil, kerrors.Wrap(err, "decode wal delete op")
	}
	return &op, nil
}

func EncodeSchemaChangeOp(op *SchemaChangeOp) ([]byte, error) {
	b, err := bson.Marshal(op)
	return b, kerrors.Wrap(err, "encode wal schema change op")
}

func DecodeSchemaChangeOp(data []byte) (*SchemaChangeOp, error) {
	var op SchemaChangeOp
	if err := bson.Unmarshal(data, &op); err != nil {
		return nil, kerrors.Wrap(err, "decode wal schema change op")
	}
	return &op, nil
}

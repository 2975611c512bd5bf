package codec

import (
	"github.com/klauspost/compress/zstd"
	"go.mongodb.org/mongo-driver/v2/bson"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
)

// ValueSnapshot is the BSON-friendly mirror of types.Value.
type ValueSnapshot struct {
	Type int
	S    string
	I    int64
	F    float64
	B    bool
}

type FieldSnapshot struct {
	Name       string
	Type       int
	Required   bool
	Unique     bool
	Default    *ValueSnapshot
	Min        *float64
	Max        *float64
	PatternSrc string
}

type SchemaSnapshot struct {
	Version uint32
	Fields  []FieldSnapshot
}

// IndexEntrySnapshot captures one record-id -> storage reference mapping.
// Record ids are always integers, so the key needn't carry a type tag.
type IndexEntrySnapshot struct {
	RecordID int64
	Ref      int64
}

type TableSnapshot struct {
	Name     string
	Schemas  []SchemaSnapshot
	Entries  []IndexEntrySnapshot
	RowCount int
}

// CatalogSnapshot is the full on-disk checkpoint: every table, its schema
// history, and its record-id index, as of LSN.
type CatalogSnapshot struct {
	LSN    uint64
	Tables []TableSnapshot
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// EncodeCheckpoint BSON-encodes then zstd-compresses a snapshot.
func EncodeCheckpoint(snap *CatalogSnapshot) ([]byte, error) {
	raw, err := bson.Marshal(snap)
	if err != nil {
		return nil, kerrors.Wrap(err, "bson-encode checkpoint")
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func DecodeCheckpoint(data []byte) (*CatalogSnapshot, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, kerrors.Wrap(err, "zstd-decompress checkpoint")
	}
	var snap CatalogSnapshot
	if err := bson.Unmarshal(raw, &snap); err != nil {
		return nil, kerrors.Wrap(err, "bson-decode checkpoint")
	}
	return &snap, nil
}

// Package codec encodes record payloads (BSON) and checkpoint snapshots
// (BSON + zstd) for on-disk/WAL storage.
package codec

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
	"github.com/kinesis-db/kinesis/pkg/types"
)

// EncodeFields serializes a record's typed fields to BSON, preserving
// each value's declared type rather than letting the driver infer one.
func EncodeFields(fields map[string]types.Value) ([]byte, error) {
	doc := bson.D{}
	for k, v := range fields {
		doc = append(doc, bson.E{Key: k, Value: v.Raw()})
	}
	out, err := bson.Marshal(doc)
	if err != nil {
		return nil, kerrors.Wrap(err, "encode record fields to bson")
	}
	return out, nil
}

// DecodeFields reverses EncodeFields. schema gives back the declared
// FieldType for each key so round-tripped numeric types match what was
// written (BSON itself distinguishes int32/int64/float64 but the schema
// is authoritative).
func DecodeFields(data []byte, fieldType func(name string) (types.FieldType, bool)) (map[string]types.Value, error) {
	var doc bson.D
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, kerrors.Wrap(err, "decode record fields from bson")
	}

	out := make(map[string]types.Value, len(doc))
	for _, e := range doc {
		ft, ok := fieldType(e.Key)
		if !ok {
			continue
		}
		out[e.Key] = toValue(ft, e.Value)
	}
	return out, nil
}

func toValue(ft types.FieldType, raw interface{}) types.Value {
	switch ft {
	case types.String:
		s, _ := raw.(string)
		return types.NewString(s)
	case types.Integer:
		switch n := raw.(type) {
		case int32:
			return types.NewInteger(int64(n))
		case int64:
			return types.NewInteger(n)
		case int:
			return types.NewInteger(int64(n))
		}
		return types.NewInteger(0)
	case types.Float:
		switch n := raw.(type) {
		case float32:
			return types.NewFloat(float64(n))
		case float64:
			return types.NewFloat(n)
		}
		return types.NewFloat(0)
	case types.Boolean:
		b, _ := raw.(bool)
		return types.NewBoolean(b)
	default:
		return types.NewString("")
	}
}

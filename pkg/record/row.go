package record

import (
	"unicode/utf8"

	"github.com/kinesis-db/kinesis/pkg/catalog"
	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
	"github.com/kinesis-db/kinesis/pkg/types"
)

// Row is a table-unique, caller-identified tuple.
type Row struct {
	ID            uint64
	SchemaVersion uint32
	Fields        map[string]types.Value
}

// ValidateAndFill checks fields against schema, filling in declared
// defaults for any field the caller omitted, required or not, and returns the
// normalized field map a passing record should be stored with.
func ValidateAndFill(schema *catalog.Schema, fields map[string]types.Value) (map[string]types.Value, error) {
	out := make(map[string]types.Value, len(fields))
	for k, v := range fields {
		out[k] = v
	}

	for _, f := range schema.Fields {
		v, present := out[f.Name]
		if !present {
			if f.Default != nil {
				out[f.Name] = *f.Default
				continue
			}
			if f.Required {
				return nil, &kerrors.SchemaViolationError{Field: f.Name, Reason: "required field missing"}
			}
			continue
		}

		if v.Type != f.Type {
			return nil, &kerrors.TypeMismatchError{Field: f.Name, Expected: f.Type.String(), Got: v.Type.String()}
		}

		if v.Type == types.String && !utf8.ValidString(v.S) {
			return nil, &kerrors.SchemaViolationError{Field: f.Name, Reason: "not valid utf8"}
		}

		if n, ok := v.Numeric(); ok {
			if f.Min != nil && n < *f.Min {
				return nil, &kerrors.ConstraintViolationError{Field: f.Name, Kind: "min"}
			}
			if f.Max != nil && n > *f.Max {
				return nil, &kerrors.ConstraintViolationError{Field: f.Name, Kind: "max"}
			}
		}

		if f.Pattern != nil && v.Type == types.String {
			if !f.Pattern.MatchString(v.S) {
				return nil, &kerrors.PatternMismatchError{Field: f.Name, Pattern: f.PatternSrc}
			}
		}
	}

	return out, nil
}

// UniqueFields returns the names of every field the schema marks unique.
func UniqueFields(schema *catalog.Schema) []string {
	var out []string
	for _, f := range schema.Fields {
		if f.Unique {
			out = append(out, f.Name)
		}
	}
	return out
}

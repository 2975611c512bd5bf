// Package catalog holds table definitions: their schema history and the
// record-id index each table is stored under.
package catalog

import (
	"regexp"

	"github.com/kinesis-db/kinesis/pkg/types"
)

// FieldDef describes one schema field's type and the constraints INSERT
// and UPDATE must satisfy.
type FieldDef struct {
	Name     string
	Type     types.FieldType
	Required bool
	Unique   bool
	Default  *types.Value

	Min *float64
	Max *float64

	Pattern    *regexp.Regexp
	PatternSrc string
}

// Schema is immutable once created; UpdateSchema produces a new Schema
// with Version = previous + 1 rather than mutating this one in place.
type Schema struct {
	Version uint32
	Fields  []FieldDef
}

func (s *Schema) Field(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

func NewSchema(version uint32, fields []FieldDef) *Schema {
	return &Schema{Version: version, Fields: fields}
}

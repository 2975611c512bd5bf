package catalog

import (
	"sync"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
	"github.com/kinesis-db/kinesis/pkg/index"
)

// btreeDegree is the B+Tree minimum degree used for every table's
// record-id index.
const btreeDegree = 32

// Table owns one schema history and the B+Tree mapping record id ->
// opaque storage reference (a page/slot address encoded by pkg/record).
// Secondary indexes are out of scope; record-id is the only index.
type Table struct {
	Name string

	mu       sync.RWMutex
	schemas  []*Schema // schemas[i] has Version == i+1
	Index    *index.BPlusTree
	RowCount int
}

func newTable(name string, schema *Schema) *Table {
	return &Table{
		Name:    name,
		schemas: []*Schema{schema},
		Index:   index.NewUniqueTree(btreeDegree),
	}
}

func (t *Table) CurrentSchema() *Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.schemas[len(t.schemas)-1]
}

func (t *Table) SchemaAt(version uint32) (*Schema, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if version < 1 || int(version) > len(t.schemas) {
		return nil, false
	}
	return t.schemas[version-1], true
}

func (t *Table) addSchemaVersion(s *Schema) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schemas = append(t.schemas, s)
}

// Catalog manages the set of tables in an engine instance.
type Catalog struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

func NewCatalog() *Catalog {
	return &Catalog{tables: make(map[string]*Table)}
}

func (c *Catalog) CreateTable(name string, fields []FieldDef) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tables[name]; exists {
		return nil, &kerrors.TableAlreadyExistsError{Name: name}
	}

	t := newTable(name, NewSchema(1, fields))
	c.tables[name] = t
	return t, nil
}

func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tables[name]; !exists {
		return &kerrors.TableNotFoundError{Name: name}
	}
	delete(c.tables, name)
	return nil
}

func (c *Catalog) Table(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	if !ok {
		return nil, &kerrors.TableNotFoundError{Name: name}
	}
	return t, nil
}

func (c *Catalog) ListTables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for n := range c.tables {
		names = append(names, n)
	}
	return names
}

// UpdateSchema installs a new schema version for name. The version is
// always previous + 1, computed here; the caller does not supply one.
func (c *Catalog) UpdateSchema(name string, fields []FieldDef) (*Schema, error) {
	t, err := c.Table(name)
	if err != nil {
		return nil, err
	}
	current := t.CurrentSchema()
	next := NewSchema(current.Version+1, fields)
	t.addSchemaVersion(next)
	return next, nil
}

// RestoreTable reinstalls a table with its full schema history and a
// pre-populated index, bypassing the normal CreateTable checks. Nothing in
// this repository calls it: recovery rebuilds tables through CreateTable
// and UpdateSchema, and checkpoint files are never read back.
func (c *Catalog) RestoreTable(name string, schemas []*Schema, idx *index.BPlusTree, rowCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[name] = &Table{Name: name, schemas: schemas, Index: idx, RowCount: rowCount}
}

func (t *Table) SchemaHistory() []*Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Schema, len(t.schemas))
	copy(out, t.schemas)
	return out
}

// Package catalog declares the physical property tables: which table stores
// each data type and each fixed property, and which columns it carries.
package catalog

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hyperengineering/factstore/internal/datatype"
	"github.com/hyperengineering/factstore/internal/types"
)

// Version is bumped whenever the row layout of any table changes. It is
// folded into every stored table hash, so a bump invalidates them all.
const Version = "1"

// Column names shared by the property tables.
const (
	ColSubject  = "s_id"
	ColProperty = "p_id"
	ColObject   = "o_id"
)

var (
	// ErrNoEncoder indicates a table's data type has no registered encoder.
	ErrNoEncoder = errors.New("no encoder registered for data type")

	// ErrNoSubjectColumn indicates a subject-keyed table lacks its s_id column.
	ErrNoSubjectColumn = errors.New("table has no subject id column")

	// ErrMissingColumn indicates a declared column is absent from the database.
	ErrMissingColumn = errors.New("table column missing")

	// ErrUnknownProperty indicates a predefined property key the catalog does not know.
	ErrUnknownProperty = errors.New("unknown predefined property")

	// ErrNotStored indicates the property is never stored in a property table.
	ErrNotStored = errors.New("property not stored in a property table")

	// ErrNoTable indicates no table stores the given data type.
	ErrNoTable = errors.New("no table for data type")
)

// Table describes one physical property table.
type Table struct {
	// Name is the SQL table name.
	Name string

	// DIType selects the value encoder.
	DIType types.DIType

	// FixedProperty is the key of the single property stored in the table,
	// or empty for shared tables, which carry a p_id column.
	FixedProperty string

	// IDSubject is false for tables keyed by something other than s_id.
	IDSubject bool

	// Fields lists the value columns in table order.
	Fields []datatype.Field
}

// IsFixed reports whether the table is dedicated to one property.
func (t *Table) IsFixed() bool {
	return t.FixedProperty != ""
}

// Columns returns every column of the table with its kind, subject and
// property columns first.
func (t *Table) Columns() []datatype.Field {
	cols := make([]datatype.Field, 0, len(t.Fields)+2)
	if t.IDSubject {
		cols = append(cols, datatype.Field{Name: ColSubject, Kind: datatype.KindID})
	}
	if !t.IsFixed() {
		cols = append(cols, datatype.Field{Name: ColProperty, Kind: datatype.KindID})
	}
	return append(cols, t.Fields...)
}

// ColumnNames returns the names of Columns.
func (t *Table) ColumnNames() []string {
	cols := t.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// ObjectColumns returns the value columns holding entity identifiers.
func (t *Table) ObjectColumns() []string {
	var names []string
	for _, f := range t.Fields {
		if f.Kind == datatype.KindID {
			names = append(names, f.Name)
		}
	}
	return names
}

// Predefined describes a built-in property.
type Predefined struct {
	Key   string
	Label string
	Type  types.DIType

	// Table names the fixed table; empty means the shared table of Type.
	Table string

	// Stored is false for properties that never reach a property table.
	Stored bool
}

// Builtins lists the predefined properties known to every catalog.
var Builtins = []Predefined{
	{Key: types.PropInstanceOf, Label: "Instance of", Type: types.TypeWikiPage, Table: "prop_fpt_inst", Stored: true},
	{Key: types.PropSubcategory, Label: "Subcategory of", Type: types.TypeWikiPage, Table: "prop_fpt_subc", Stored: true},
	{Key: types.PropSubproperty, Label: "Subproperty of", Type: types.TypeWikiPage, Table: "prop_fpt_subp", Stored: true},
	{Key: types.PropRedirect, Label: "Redirects to", Type: types.TypeWikiPage, Table: RedirectTable, Stored: true},
	{Key: types.PropModification, Label: "Modification date", Type: types.TypeTime, Table: "prop_fpt_mdat", Stored: true},
	{Key: types.PropHasType, Label: "Has type", Type: types.TypeURI, Table: "prop_fpt_type", Stored: true},
	{Key: types.PropConcept, Label: "Concept description", Type: types.TypeConcept, Table: ConceptTable, Stored: true},
	{Key: types.PropHasSubobject, Label: "Has subobject", Type: types.TypeWikiPage, Stored: true},
	{Key: types.PropSortKey, Label: "Sort key", Type: types.TypeBlob, Stored: false},
}

// Names of tables with special handling.
const (
	RedirectTable = "prop_fpt_redi"
	ConceptTable  = "prop_fpt_conc"
)

// sharedTables names the table of each data type for user-defined properties.
var sharedTables = map[types.DIType]string{
	types.TypeWikiPage: "prop_di_wikipage",
	types.TypeBlob:     "prop_di_blob",
	types.TypeURI:      "prop_di_uri",
	types.TypeNumber:   "prop_di_number",
	types.TypeBoolean:  "prop_di_bool",
	types.TypeTime:     "prop_di_time",
}

// Catalog is the immutable table layout built at startup.
type Catalog struct {
	tables     map[string]*Table
	order      []string
	shared     map[types.DIType]*Table
	predefined map[string]Predefined
}

// Option customizes a catalog.
type Option func(*builder)

type builder struct {
	extra []Predefined
}

// WithPredefined adds a predefined property, e.g. one contributed by an
// extension. A non-empty Table creates a fixed table for it.
func WithPredefined(p Predefined) Option {
	return func(b *builder) { b.extra = append(b.extra, p) }
}

// New builds the catalog. Every table's data type must have an encoder in
// reg; otherwise New returns ErrNoEncoder.
func New(reg *datatype.Registry, opts ...Option) (*Catalog, error) {
	b := &builder{}
	for _, opt := range opts {
		opt(b)
	}

	c := &Catalog{
		tables:     make(map[string]*Table),
		shared:     make(map[types.DIType]*Table),
		predefined: make(map[string]Predefined),
	}

	for dt, name := range sharedTables {
		enc, ok := reg.Lookup(dt)
		if !ok {
			return nil, fmt.Errorf("build table %s: %s: %w", name, dt, ErrNoEncoder)
		}
		t := &Table{Name: name, DIType: dt, IDSubject: true, Fields: enc.Fields()}
		c.add(t)
		c.shared[dt] = t
	}

	for _, p := range append(append([]Predefined(nil), Builtins...), b.extra...) {
		if _, dup := c.predefined[p.Key]; dup {
			return nil, fmt.Errorf("register predefined property %s: duplicate key", p.Key)
		}
		c.predefined[p.Key] = p
		if !p.Stored || p.Table == "" {
			continue
		}
		t, err := fixedTable(reg, p)
		if err != nil {
			return nil, err
		}
		c.add(t)
	}

	sort.Strings(c.order)
	return c, nil
}

func fixedTable(reg *datatype.Registry, p Predefined) (*Table, error) {
	if p.Table == RedirectTable {
		return &Table{
			Name:          RedirectTable,
			DIType:        types.TypeWikiPage,
			FixedProperty: p.Key,
			Fields: []datatype.Field{
				{Name: "s_title", Kind: datatype.KindText},
				{Name: "s_namespace", Kind: datatype.KindInt},
				{Name: ColObject, Kind: datatype.KindID},
			},
		}, nil
	}

	enc, ok := reg.Lookup(p.Type)
	if !ok {
		return nil, fmt.Errorf("build table %s: %s: %w", p.Table, p.Type, ErrNoEncoder)
	}
	fields := append([]datatype.Field(nil), enc.Fields()...)
	if p.Table == ConceptTable {
		fields = append(fields,
			datatype.Field{Name: "cache_date", Kind: datatype.KindNullInt},
			datatype.Field{Name: "cache_count", Kind: datatype.KindNullInt},
		)
	}
	return &Table{
		Name:          p.Table,
		DIType:        p.Type,
		FixedProperty: p.Key,
		IDSubject:     true,
		Fields:        fields,
	}, nil
}

func (c *Catalog) add(t *Table) {
	c.tables[t.Name] = t
	c.order = append(c.order, t.Name)
}

// Tables returns every table sorted by name.
func (c *Catalog) Tables() []*Table {
	out := make([]*Table, len(c.order))
	for i, name := range c.order {
		out[i] = c.tables[name]
	}
	return out
}

// SubjectTables returns the tables keyed by subject id, sorted by name.
func (c *Catalog) SubjectTables() []*Table {
	var out []*Table
	for _, name := range c.order {
		if t := c.tables[name]; t.IDSubject {
			out = append(out, t)
		}
	}
	return out
}

// Table returns the table named name.
func (c *Catalog) Table(name string) (*Table, bool) {
	t, ok := c.tables[name]
	return t, ok
}

// Predefined returns the built-in property registered under key.
func (c *Catalog) Predefined(key string) (Predefined, bool) {
	p, ok := c.predefined[key]
	return p, ok
}

// Label returns the display label of a property key.
func (c *Catalog) Label(key string) string {
	if p, ok := c.predefined[key]; ok {
		return p.Label
	}
	return key
}

// TableFor resolves the table storing values of p. dt is the type of the
// value and selects the shared table for user-defined properties.
func (c *Catalog) TableFor(p types.Property, dt types.DIType) (*Table, error) {
	if p.IsPredefined() {
		def, ok := c.predefined[p.Key]
		if !ok {
			return nil, fmt.Errorf("resolve %s: %w", p.Key, ErrUnknownProperty)
		}
		if !def.Stored {
			return nil, fmt.Errorf("resolve %s: %w", p.Key, ErrNotStored)
		}
		if def.Table != "" {
			return c.tables[def.Table], nil
		}
		dt = def.Type
	}
	t, ok := c.shared[dt]
	if !ok {
		return nil, fmt.Errorf("resolve %s for %s: %w", dt, p.Key, ErrNoTable)
	}
	return t, nil
}

// Package diff compares candidate rows with stored rows and aggregates the
// per-table changes of one subject into a CompositeDiff.
package diff

import (
	"context"
	"fmt"
	"sort"

	"github.com/hyperengineering/factstore/internal/catalog"
	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/rows"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

// TableChange holds the rows to delete from and insert into one table.
type TableChange struct {
	Table  string     `json:"table"`
	Insert []rows.Row `json:"insert"`
	Delete []rows.Row `json:"delete"`
}

// FixedProperty names the property stored in a fixed-property table. ID is
// zero when the property has no identifier yet.
type FixedProperty struct {
	Key string `json:"key"`
	ID  int64  `json:"id,omitempty"`
}

// CompositeDiff is the result of one synchronization pass for a subject. A
// table appears in Tables only when it has rows to insert or delete.
type CompositeDiff struct {
	SubjectID       int64                    `json:"subject_id"`
	Tables          []TableChange            `json:"tables"`
	FixedProperties map[string]FixedProperty `json:"fixed_properties,omitempty"`
	Hashes          map[string]string        `json:"hashes"`
	Properties      []rows.PropertyRef       `json:"properties,omitempty"`
	TextIndex       []rows.TextValue         `json:"text_index,omitempty"`
}

// IsEmpty reports whether the diff changes no rows.
func (d *CompositeDiff) IsEmpty() bool {
	return len(d.Tables) == 0
}

// TableNames returns the names of changed tables in order.
func (d *CompositeDiff) TableNames() []string {
	names := make([]string, len(d.Tables))
	for i, tc := range d.Tables {
		names[i] = tc.Table
	}
	return names
}

// InsertRows returns the insert rows keyed by table. Every changed table is
// present, possibly with no rows.
func (d *CompositeDiff) InsertRows() map[string][]rows.Row {
	out := make(map[string][]rows.Row, len(d.Tables))
	for _, tc := range d.Tables {
		out[tc.Table] = tc.Insert
	}
	return out
}

// DeleteRows returns the delete rows keyed by table, with the same key set
// as InsertRows.
func (d *CompositeDiff) DeleteRows() map[string][]rows.Row {
	out := make(map[string][]rows.Row, len(d.Tables))
	for _, tc := range d.Tables {
		out[tc.Table] = tc.Delete
	}
	return out
}

// Change returns the change of table.
func (d *CompositeDiff) Change(table string) (TableChange, bool) {
	for _, tc := range d.Tables {
		if tc.Table == table {
			return tc, true
		}
	}
	return TableChange{}, false
}

// Counts returns the total number of rows to insert and delete.
func (d *CompositeDiff) Counts() (inserted, deleted int) {
	for _, tc := range d.Tables {
		inserted += len(tc.Insert)
		deleted += len(tc.Delete)
	}
	return inserted, deleted
}

// Differ computes composite diffs.
type Differ struct {
	catalog *catalog.Catalog
	ids     *idtable.Registry
}

// NewDiffer creates a differ.
func NewDiffer(cat *catalog.Catalog, ids *idtable.Registry) *Differ {
	return &Differ{catalog: cat, ids: ids}
}

// Diff compares the mapped rows of a subject with its stored rows. Tables
// whose new hash equals the stored hash are skipped without reading them.
// Unknown stored hashes force every subject table to be read.
func (d *Differ) Diff(ctx context.Context, q store.Querier, mapped *rows.MapResult) (*CompositeDiff, error) {
	sid := mapped.SubjectID
	old, err := d.ids.TableHashes(ctx, q, sid)
	if err != nil {
		return nil, err
	}

	out := &CompositeDiff{
		SubjectID:  sid,
		Hashes:     make(map[string]string),
		Properties: mapped.Properties,
		TextIndex:  mapped.TextIndex,
	}

	for _, t := range d.catalog.SubjectTables() {
		candidates := mapped.Tables[t.Name]
		hash := rows.Hash(candidates)
		if hash != "" {
			out.Hashes[t.Name] = hash
		}

		if old != nil {
			oldHash, had := old[t.Name]
			if oldHash == hash && (had || hash == "") {
				continue
			}
		}

		stored, err := rows.Fetch(ctx, q, t, sid)
		if err != nil {
			return nil, err
		}
		insert, del := Subtract(candidates, stored)
		if len(insert) == 0 && len(del) == 0 {
			continue
		}

		out.Tables = append(out.Tables, TableChange{Table: t.Name, Insert: insert, Delete: del})
		if t.IsFixed() {
			if out.FixedProperties == nil {
				out.FixedProperties = make(map[string]FixedProperty)
			}
			fp, err := d.fixedProperty(ctx, q, t)
			if err != nil {
				return nil, err
			}
			out.FixedProperties[t.Name] = fp
		}
	}

	sort.Slice(out.Tables, func(i, j int) bool { return out.Tables[i].Table < out.Tables[j].Table })
	return out, nil
}

func (d *Differ) fixedProperty(ctx context.Context, q store.Querier, t *catalog.Table) (FixedProperty, error) {
	fp := FixedProperty{Key: t.FixedProperty}
	id, err := d.ids.Find(ctx, q, types.Property{Key: t.FixedProperty}.Subject())
	if err != nil {
		return fp, fmt.Errorf("find fixed property %s: %w", t.FixedProperty, err)
	}
	fp.ID = id
	return fp, nil
}

// Subtract removes rows present on both sides and returns what remains of
// the candidates as inserts and of the stored rows as deletes. Stored rows
// are compared as a set.
func Subtract(candidates, stored []rows.Row) (insert, del []rows.Row) {
	storedKeys := make(map[string]bool, len(stored))
	for _, r := range stored {
		storedKeys[r.Key()] = true
	}
	candidateKeys := make(map[string]bool, len(candidates))
	for _, r := range candidates {
		k := r.Key()
		if candidateKeys[k] {
			continue
		}
		candidateKeys[k] = true
		if !storedKeys[k] {
			insert = append(insert, r)
		}
	}
	deleted := make(map[string]bool)
	for _, r := range stored {
		k := r.Key()
		if candidateKeys[k] || deleted[k] {
			continue
		}
		deleted[k] = true
		del = append(del, r)
	}
	return insert, del
}

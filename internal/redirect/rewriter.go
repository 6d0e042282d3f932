package redirect

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hyperengineering/factstore/internal/catalog"
	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/links"
	"github.com/hyperengineering/factstore/internal/stats"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

// Rewriter moves table references from one identifier to another in bulk.
type Rewriter struct {
	catalog *catalog.Catalog
	ids     *idtable.Registry
}

// NewRewriter creates a rewriter.
func NewRewriter(cat *catalog.Catalog, ids *idtable.Registry) *Rewriter {
	return &Rewriter{catalog: cat, ids: ids}
}

// Referencing returns the subjects holding a row that uses id as property
// or object.
func (rw *Rewriter) Referencing(ctx context.Context, q store.Querier, id int64) (*roaring64.Bitmap, error) {
	out := roaring64.New()
	for _, t := range rw.catalog.SubjectTables() {
		cols := t.ObjectColumns()
		if !t.IsFixed() {
			cols = append(cols, catalog.ColProperty)
		}
		for _, col := range cols {
			if err := collectSubjects(ctx, q, t.Name, col, id, out); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func collectSubjects(ctx context.Context, q store.Querier, table, col string, id int64, into *roaring64.Bitmap) error {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT s_id FROM `+table+` WHERE `+col+` = ?`, id)
	if err != nil {
		return fmt.Errorf("find subjects referencing %d in %s.%s: %w", id, table, col, err)
	}
	defer rows.Close()
	for rows.Next() {
		var sid int64
		if err := rows.Scan(&sid); err != nil {
			return fmt.Errorf("scan subject: %w", err)
		}
		into.Add(uint64(sid))
	}
	return rows.Err()
}

// ChangeID rewrites references to from so that they point at to. With
// sdata set the rows of from as a subject move to to. With podata set
// object columns move, and property columns too when both identifiers are
// property pages. The stored table hashes of every touched subject are
// reset to unknown.
func (rw *Rewriter) ChangeID(ctx context.Context, q store.Querier, from, to int64, sdata, podata bool) error {
	if from == to {
		return nil
	}
	fromEntry, err := rw.ids.Get(ctx, q, from)
	if err != nil {
		return err
	}
	toEntry, err := rw.ids.Get(ctx, q, to)
	if err != nil {
		return err
	}

	affected := roaring64.BitmapOf(uint64(from), uint64(to))

	if sdata {
		for _, t := range rw.catalog.SubjectTables() {
			if _, err := q.ExecContext(ctx, `UPDATE `+t.Name+` SET s_id = ? WHERE s_id = ?`, to, from); err != nil {
				return fmt.Errorf("move %s subject rows %d to %d: %w", t.Name, from, to, err)
			}
		}
	}

	if podata {
		properties := fromEntry.Subject.Namespace == types.NSProperty && toEntry.Subject.Namespace == types.NSProperty
		for _, t := range rw.catalog.SubjectTables() {
			cols := t.ObjectColumns()
			if properties && !t.IsFixed() {
				cols = append(cols, catalog.ColProperty)
			}
			for _, col := range cols {
				if err := collectSubjects(ctx, q, t.Name, col, from, affected); err != nil {
					return err
				}
				if _, err := q.ExecContext(ctx, `UPDATE `+t.Name+` SET `+col+` = ? WHERE `+col+` = ?`, to, from); err != nil {
					return fmt.Errorf("move %s.%s references %d to %d: %w", t.Name, col, from, to, err)
				}
			}
		}
		if properties {
			if err := stats.Move(ctx, q, from, to); err != nil {
				return err
			}
		}
		if _, err := links.RetargetRedirects(ctx, q, from, to); err != nil {
			return err
		}
		if err := links.RetargetQueryLinks(ctx, q, from, to); err != nil {
			return err
		}
	}

	return rw.ids.ResetTableHashes(ctx, q, idtable.BitmapIDs(affected)...)
}

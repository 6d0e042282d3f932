// Package updater applies composite diffs to the property tables.
package updater

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hyperengineering/factstore/internal/catalog"
	"github.com/hyperengineering/factstore/internal/diff"
	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/rows"
	"github.com/hyperengineering/factstore/internal/stats"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

// insertBatchSize bounds the rows of one multi-row INSERT.
const insertBatchSize = 100

// Result summarizes an applied diff.
type Result struct {
	Tables  []types.TableSummary
	Deltas  map[int64]int64
	Touched int
}

// Updater applies diffs inside the caller's transaction.
type Updater struct {
	catalog    *catalog.Catalog
	ids        *idtable.Registry
	deferStats bool
	now        func() time.Time
	logger     *slog.Logger
}

// New creates an updater. With deferStats set, usage counters are flushed
// after the surrounding transaction commits when q is a *store.Tx.
func New(cat *catalog.Catalog, ids *idtable.Registry, deferStats bool) *Updater {
	return &Updater{
		catalog:    cat,
		ids:        ids,
		deferStats: deferStats,
		now:        time.Now,
		logger:     slog.Default().With("component", "updater"),
	}
}

// Apply executes the deletes and then the inserts of every changed table,
// stores the new table hashes of the subject, bumps the touched timestamp
// of every id found in the changed rows and flushes the usage deltas. Any
// failure is returned before the hashes are written.
func (u *Updater) Apply(ctx context.Context, q store.Querier, d *diff.CompositeDiff) (*Result, error) {
	res := &Result{Deltas: make(map[int64]int64)}
	touched := roaring64.New()
	if len(d.Tables) > 0 {
		touched.Add(uint64(d.SubjectID))
	}

	for _, change := range d.Tables {
		summary, err := u.applyTable(ctx, q, d, change, res.Deltas, touched)
		if err != nil {
			u.logger.Error("table update failed",
				"table", change.Table,
				"subject_id", d.SubjectID,
				"error", err,
			)
			return nil, err
		}
		res.Tables = append(res.Tables, summary)
	}

	if err := u.ids.SetTableHashes(ctx, q, d.SubjectID, d.Hashes); err != nil {
		return nil, err
	}

	if err := u.ids.Touch(ctx, q, touched, u.now()); err != nil {
		return nil, err
	}
	res.Touched = int(touched.GetCardinality())

	if err := u.flushDeltas(ctx, q, res.Deltas); err != nil {
		return nil, err
	}
	return res, nil
}

func (u *Updater) flushDeltas(ctx context.Context, q store.Querier, deltas map[int64]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	if tx, ok := q.(*store.Tx); ok && u.deferStats {
		pending := make(map[int64]int64, len(deltas))
		for k, v := range deltas {
			pending[k] = v
		}
		tx.OnCommit(func(ctx context.Context, q store.Querier) error {
			return stats.AddUsageCounts(ctx, q, pending)
		})
		return nil
	}
	return stats.AddUsageCounts(ctx, q, deltas)
}

func (u *Updater) applyTable(ctx context.Context, q store.Querier, d *diff.CompositeDiff, change diff.TableChange, deltas map[int64]int64, touched *roaring64.Bitmap) (types.TableSummary, error) {
	summary := types.TableSummary{Table: change.Table}

	t, ok := u.catalog.Table(change.Table)
	if !ok {
		return summary, fmt.Errorf("apply %s: unknown table", change.Table)
	}
	if !t.IDSubject {
		return summary, fmt.Errorf("apply %s: %w", t.Name, catalog.ErrNoSubjectColumn)
	}

	var fixedID int64
	if t.IsFixed() {
		fixedID = d.FixedProperties[t.Name].ID
		if fixedID == 0 {
			id, err := u.ids.Make(ctx, q, types.Property{Key: t.FixedProperty}.Subject(), "")
			if err != nil {
				return summary, fmt.Errorf("resolve fixed property %s: %w", t.FixedProperty, err)
			}
			fixedID = id
		}
		touched.Add(uint64(fixedID))
	}
	propertyOf := func(r rows.Row) int64 {
		if t.IsFixed() {
			return fixedID
		}
		return r.Int(catalog.ColProperty)
	}

	cols := t.ColumnNames()
	objectCols := t.ObjectColumns()
	collect := func(r rows.Row) {
		for _, c := range append([]string{catalog.ColSubject, catalog.ColProperty}, objectCols...) {
			if id := r.Int(c); id > 0 {
				touched.Add(uint64(id))
			}
		}
	}

	deleteSQL := "DELETE FROM " + t.Name + " WHERE " + strings.Join(cols, " IS ? AND ") + " IS ?"
	for _, r := range change.Delete {
		res, err := q.ExecContext(ctx, deleteSQL, values(r, cols)...)
		if err != nil {
			return summary, fmt.Errorf("delete from %s: %w", t.Name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return summary, fmt.Errorf("delete from %s: %w", t.Name, err)
		}
		deltas[propertyOf(r)] -= n
		summary.Deleted += int(n)
		collect(r)
	}

	rowSQL := "(" + store.Placeholders(len(cols)) + ")"
	for start := 0; start < len(change.Insert); start += insertBatchSize {
		batch := change.Insert[start:min(start+insertBatchSize, len(change.Insert))]
		tuples := make([]string, len(batch))
		args := make([]any, 0, len(batch)*len(cols))
		for i, r := range batch {
			tuples[i] = rowSQL
			args = append(args, values(r, cols)...)
		}
		insertSQL := "INSERT INTO " + t.Name + " (" + strings.Join(cols, ", ") + ") VALUES " + strings.Join(tuples, ", ")
		if _, err := q.ExecContext(ctx, insertSQL, args...); err != nil {
			return summary, fmt.Errorf("insert into %s: %w", t.Name, err)
		}
		for _, r := range batch {
			deltas[propertyOf(r)]++
			collect(r)
		}
		summary.Inserted += len(batch)
	}
	return summary, nil
}

func values(r rows.Row, cols []string) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = r[c]
	}
	return out
}

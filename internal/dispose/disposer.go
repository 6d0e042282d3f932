package dispose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/factstore/internal/catalog"
	"github.com/hyperengineering/factstore/internal/events"
	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/links"
	"github.com/hyperengineering/factstore/internal/stats"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

// Atomizer runs a function as an all-or-nothing unit on q.
type Atomizer interface {
	Atomic(ctx context.Context, q store.Querier, fn func(q store.Querier) error) error
}

// Disposer purges identifiers.
type Disposer struct {
	atomic  Atomizer
	catalog *catalog.Catalog
	ids     *idtable.Registry
	finder  *Finder
	events  events.Dispatcher
	logger  *slog.Logger
}

// NewDisposer creates a disposer.
func NewDisposer(atomic Atomizer, cat *catalog.Catalog, ids *idtable.Registry, finder *Finder, dispatcher events.Dispatcher) *Disposer {
	return &Disposer{
		atomic:  atomic,
		catalog: cat,
		ids:     ids,
		finder:  finder,
		events:  dispatcher,
		logger:  slog.Default().With("component", "disposer"),
	}
}

// Dispose purges id when no table references it and reports whether it
// did. A reference that appears between the check and the delete is not
// detected; the check takes no locks.
func (d *Disposer) Dispose(ctx context.Context, q store.Querier, id int64) (bool, error) {
	ref, found, err := d.finder.FindReference(ctx, q, id)
	if err != nil {
		return false, err
	}
	if found {
		d.logger.Debug("dispose skipped, residual reference",
			"id", id,
			"table", ref.Table,
			"column", ref.Column,
		)
		return false, nil
	}

	entry, err := d.ids.Get(ctx, q, id)
	if errors.Is(err, idtable.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var dependents []int64
	if err := d.atomic.Atomic(ctx, q, func(q store.Querier) error {
		var err error
		dependents, err = d.purge(ctx, q, id)
		return err
	}); err != nil {
		return false, fmt.Errorf("dispose %d: %w", id, err)
	}

	d.notify(ctx, q, entry, dependents)
	d.logger.Info("identifier disposed", "id", id, "subject", entry.Subject.String())
	return true, nil
}

// ForceCleanup deletes every row of id as a subject from all property
// tables, and its redirect link, then purges the identifier without
// checking for other references. Usage counters are decremented for every
// removed row.
func (d *Disposer) ForceCleanup(ctx context.Context, q store.Querier, id int64) error {
	entry, err := d.ids.Get(ctx, q, id)
	if err != nil {
		return err
	}

	var dependents []int64
	err = d.atomic.Atomic(ctx, q, func(q store.Querier) error {
		deltas := make(map[int64]int64)
		for _, t := range d.catalog.SubjectTables() {
			if err := d.clearTable(ctx, q, t, id, deltas); err != nil {
				return err
			}
		}

		if !entry.Subject.IsSubobject() {
			page := entry.Page()
			removed, err := links.DeleteRedirect(ctx, q, page.Title, page.Namespace)
			if err != nil {
				return err
			}
			if removed {
				rid, err := d.ids.Find(ctx, q, types.Property{Key: types.PropRedirect}.Subject())
				if err != nil {
					return err
				}
				deltas[rid]--
			}
		}

		if err := stats.AddUsageCounts(ctx, q, deltas); err != nil {
			return err
		}
		dependents, err = d.purge(ctx, q, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("force cleanup %d: %w", id, err)
	}

	d.notify(ctx, q, entry, dependents)
	d.logger.Info("identifier force-cleaned", "id", id, "subject", entry.Subject.String())
	return nil
}

func (d *Disposer) clearTable(ctx context.Context, q store.Querier, t *catalog.Table, id int64, deltas map[int64]int64) error {
	if t.IsFixed() {
		var n int64
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.Name+` WHERE s_id = ?`, id).Scan(&n); err != nil {
			return fmt.Errorf("count %s rows of %d: %w", t.Name, id, err)
		}
		if n == 0 {
			return nil
		}
		pid, err := d.ids.Find(ctx, q, types.Property{Key: t.FixedProperty}.Subject())
		if err != nil {
			return err
		}
		deltas[pid] -= n
	} else {
		rows, err := q.QueryContext(ctx, `SELECT p_id, COUNT(*) FROM `+t.Name+` WHERE s_id = ? GROUP BY p_id`, id)
		if err != nil {
			return fmt.Errorf("count %s rows of %d: %w", t.Name, id, err)
		}
		found := false
		for rows.Next() {
			var pid, n int64
			if err := rows.Scan(&pid, &n); err != nil {
				rows.Close()
				return fmt.Errorf("scan %s counts: %w", t.Name, err)
			}
			deltas[pid] -= n
			found = true
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if !found {
			return nil
		}
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM `+t.Name+` WHERE s_id = ?`, id); err != nil {
		return fmt.Errorf("delete %s rows of %d: %w", t.Name, id, err)
	}
	return nil
}

// purge removes the identifier with its counter and query links, and
// returns the queries whose results depended on it.
func (d *Disposer) purge(ctx context.Context, q store.Querier, id int64) ([]int64, error) {
	dependents, err := links.QueryDependents(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if err := d.ids.Delete(ctx, q, id); err != nil {
		return nil, err
	}
	if err := stats.Delete(ctx, q, id); err != nil {
		return nil, err
	}
	if _, err := links.DeleteQueryLinks(ctx, q, id); err != nil {
		return nil, err
	}
	return dependents, nil
}

// notify dispatches the invalidation events for a purged entry and the
// queries that depended on it once q's transaction has committed, or right
// away when q is not a transaction. A rolled back purge sends nothing.
func (d *Disposer) notify(ctx context.Context, q store.Querier, entry idtable.Entry, dependents []int64) {
	if d.events == nil {
		return
	}
	if tx, ok := q.(*store.Tx); ok {
		tx.OnCommit(func(ctx context.Context, _ store.Querier) error {
			d.dispatch(ctx, entry, dependents)
			return nil
		})
		return
	}
	d.dispatch(ctx, entry, dependents)
}

func (d *Disposer) dispatch(ctx context.Context, entry idtable.Entry, dependents []int64) {
	for _, qid := range dependents {
		d.events.Dispatch(ctx, events.Event{Kind: events.InvalidateResultCache, ID: qid})
	}
	page := entry.Page()
	d.events.Dispatch(ctx, events.Event{Kind: events.InvalidateEntityCache, ID: entry.ID, Subject: page})
	d.events.Dispatch(ctx, events.Event{Kind: events.InvalidateResultCache, ID: entry.ID, Subject: page})
	if page.Namespace == types.NSProperty {
		d.events.Dispatch(ctx, events.Event{Kind: events.InvalidatePropertySpecification, ID: entry.ID, Subject: page})
	}
}

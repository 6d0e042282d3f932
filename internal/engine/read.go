package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/factstore/internal/catalog"
	"github.com/hyperengineering/factstore/internal/dispose"
	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/links"
	"github.com/hyperengineering/factstore/internal/rows"
	"github.com/hyperengineering/factstore/internal/stats"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

// Facts reads back the stored facts of a page, its redirect and its
// subobjects. Values whose identifiers have gone are skipped.
func (e *Engine) Facts(ctx context.Context, subject types.Subject) (*types.FactSet, error) {
	page := subject.Page().WithInterwiki(idtable.MarkerNone)
	sid, _, err := e.ids.FindPage(ctx, e.store, page)
	if err != nil {
		return nil, err
	}
	if sid == 0 {
		return nil, fmt.Errorf("read %s: %w", page, idtable.ErrNotFound)
	}

	fs := types.NewFactSet(page)
	target, err := links.RedirectTarget(ctx, e.store, page.Title, page.Namespace)
	if err != nil {
		return nil, err
	}
	if target != 0 {
		te, err := e.ids.Get(ctx, e.store, target)
		if err != nil {
			return nil, err
		}
		fs.AddValue(types.Property{Key: types.PropRedirect}, te.Page())
	}

	entry, err := e.ids.Get(ctx, e.store, sid)
	if err != nil {
		return nil, err
	}
	fs.Revision = entry.Revision
	if entry.SortKey != types.DefaultSortKey(page) {
		fs.AddValue(types.Property{Key: types.PropSortKey}, types.Blob{Text: entry.SortKey})
	}
	if err := e.readValues(ctx, e.store, sid, fs); err != nil {
		return nil, err
	}

	subs, err := e.ids.Subobjects(ctx, e.store, page)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.Subject.Interwiki != "" {
			continue
		}
		sfs := types.NewFactSet(sub.Subject)
		if err := e.readValues(ctx, e.store, sub.ID, sfs); err != nil {
			return nil, err
		}
		fs.AddSubobject(sub.Subject.Subobject, sfs)
	}
	return fs, nil
}

func (e *Engine) readValues(ctx context.Context, q store.Querier, sid int64, fs *types.FactSet) error {
	resolver := e.ids.Resolver(q, false)
	for _, t := range e.catalog.SubjectTables() {
		enc, ok := e.encoders.Lookup(t.DIType)
		if !ok {
			return fmt.Errorf("read %s: %w", t.Name, catalog.ErrNoEncoder)
		}
		stored, err := rows.Fetch(ctx, q, t, sid)
		if err != nil {
			return err
		}
		for _, r := range stored {
			p := types.Property{Key: t.FixedProperty}
			if !t.IsFixed() {
				pe, err := e.ids.Get(ctx, q, r.Int(catalog.ColProperty))
				if errors.Is(err, idtable.ErrNotFound) {
					e.logger.Warn("row with unknown property skipped", "table", t.Name, "subject_id", sid)
					continue
				}
				if err != nil {
					return err
				}
				p = types.Property{Key: pe.Subject.Title}
			}
			if p.Key == types.PropHasSubobject {
				continue
			}

			v, err := enc.Decode(ctx, resolver, r)
			if errors.Is(err, idtable.ErrNotFound) {
				e.logger.Warn("value with unknown object skipped", "table", t.Name, "subject_id", sid)
				continue
			}
			if err != nil {
				return fmt.Errorf("decode %s row of %d: %w", t.Name, sid, err)
			}
			if c, ok := v.(types.Concept); ok && c.Text == "" && c.Docu == "" {
				continue
			}
			fs.AddValue(p, v)
		}
	}
	return nil
}

// Entity returns the identifier entry of id.
func (e *Engine) Entity(ctx context.Context, id int64) (idtable.Entry, error) {
	return e.ids.Get(ctx, e.store, id)
}

// ReferenceOf returns the first table still referencing id.
func (e *Engine) ReferenceOf(ctx context.Context, id int64) (dispose.Reference, bool, error) {
	return e.finder.FindReference(ctx, e.store, id)
}

// PropertyStatistics returns the usage counters. With verify set each
// entry also carries the count found by scanning the tables, and
// properties missing a counter are included.
func (e *Engine) PropertyStatistics(ctx context.Context, verify bool) ([]types.PropertyUsage, error) {
	usage, err := stats.All(ctx, e.store)
	if err != nil {
		return nil, err
	}
	var counted map[int64]int64
	if verify {
		if counted, err = e.counter.Recount(ctx, e.store); err != nil {
			return nil, err
		}
	}

	seen := make(map[int64]bool, len(usage))
	out := make([]types.PropertyUsage, 0, len(usage))
	for _, u := range usage {
		seen[u.PropertyID] = true
		pu, err := e.propertyUsage(ctx, u.PropertyID, u.Count)
		if err != nil {
			return nil, err
		}
		if verify {
			n := counted[u.PropertyID]
			pu.Counted = &n
		}
		out = append(out, pu)
	}
	for pid, n := range counted {
		if seen[pid] || n == 0 {
			continue
		}
		pu, err := e.propertyUsage(ctx, pid, 0)
		if err != nil {
			return nil, err
		}
		pu.Counted = &n
		out = append(out, pu)
	}
	return out, nil
}

func (e *Engine) propertyUsage(ctx context.Context, pid, usage int64) (types.PropertyUsage, error) {
	pu := types.PropertyUsage{PropertyID: pid, Usage: usage}
	entry, err := e.ids.Get(ctx, e.store, pid)
	if errors.Is(err, idtable.ErrNotFound) {
		return pu, nil
	}
	if err != nil {
		return pu, err
	}
	pu.Key = entry.Subject.Title
	return pu, nil
}

// VerifyStatistics recounts usage and returns the counters that disagree
// with the stored rows.
func (e *Engine) VerifyStatistics(ctx context.Context) ([]stats.Mismatch, error) {
	return e.counter.Verify(ctx, e.store)
}

// Jobs returns up to limit queued update jobs.
func (e *Engine) Jobs(ctx context.Context, limit int) ([]types.UpdateJob, error) {
	return e.queue.List(ctx, e.store, limit)
}

// TakeJobs removes and returns up to limit queued update jobs, oldest
// first, for a dispatcher to run.
func (e *Engine) TakeJobs(ctx context.Context, limit int) ([]types.UpdateJob, error) {
	var out []types.UpdateJob
	err := e.withTx(ctx, func(tx *store.Tx) error {
		var err error
		out, err = e.queue.Pop(ctx, tx, limit)
		return err
	})
	return out, err
}

// ClearJobs drops the queued update jobs.
func (e *Engine) ClearJobs(ctx context.Context) (int64, error) {
	return e.queue.Clear(ctx, e.store)
}

// Counts returns the number of identifiers and of queued jobs.
func (e *Engine) Counts(ctx context.Context) (entities, pending int64, err error) {
	if entities, err = e.ids.Count(ctx, e.store); err != nil {
		return 0, 0, err
	}
	if pending, err = e.queue.Count(ctx, e.store); err != nil {
		return 0, 0, err
	}
	return entities, pending, nil
}

// SchemaVersion returns the applied migration version.
func (e *Engine) SchemaVersion(ctx context.Context) (int64, error) {
	return e.store.SchemaVersion(ctx)
}

package engine

import (
	"context"
	"fmt"

	"github.com/hyperengineering/factstore/internal/diff"
	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/links"
	"github.com/hyperengineering/factstore/internal/rows"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
	"github.com/hyperengineering/factstore/internal/updater"
	"github.com/hyperengineering/factstore/internal/validation"
)

// Synchronize maps facts to rows for subject sid and diffs them against
// the stored rows. No property row is written; identifiers for newly seen
// properties and pages are allocated.
func (e *Engine) Synchronize(ctx context.Context, sid int64, facts *types.FactSet) (*diff.CompositeDiff, error) {
	unlock := e.locks.lock(sid)
	defer unlock()

	var d *diff.CompositeDiff
	err := e.withTx(ctx, func(tx *store.Tx) error {
		var err error
		d, err = e.synchronize(ctx, tx, sid, facts)
		return err
	})
	return d, err
}

// Preview validates facts and returns the diff UpdateData would apply to
// the page's own rows. Subobjects are not included.
func (e *Engine) Preview(ctx context.Context, facts *types.FactSet) (*diff.CompositeDiff, error) {
	if errs := validation.ValidateFactSet(facts); len(errs) > 0 {
		return nil, &InvalidFactsError{Errors: errs}
	}
	sid, _, err := e.ids.FindPage(ctx, e.store, facts.Subject)
	if err != nil {
		return nil, err
	}
	if sid == 0 {
		if sid, err = e.ids.Make(ctx, e.store, facts.Subject, facts.SortKey()); err != nil {
			return nil, err
		}
	}
	return e.Synchronize(ctx, sid, facts)
}

func (e *Engine) synchronize(ctx context.Context, q store.Querier, sid int64, facts *types.FactSet) (*diff.CompositeDiff, error) {
	mapped, err := e.mapper.Map(ctx, q, sid, facts)
	if err != nil {
		return nil, fmt.Errorf("map facts of %d: %w", sid, err)
	}
	return e.differ.Diff(ctx, q, mapped)
}

// Apply writes d to the property tables of subject sid in one
// transaction. The stored table hashes only advance when every table
// succeeds.
func (e *Engine) Apply(ctx context.Context, sid int64, d *diff.CompositeDiff) error {
	if d == nil || d.SubjectID != sid {
		return ErrSubjectMismatch
	}
	unlock := e.locks.lock(sid)
	defer unlock()

	return e.withTx(ctx, func(tx *store.Tx) error {
		_, err := e.apply(ctx, tx, d)
		return err
	})
}

func (e *Engine) apply(ctx context.Context, q store.Querier, d *diff.CompositeDiff) (*updater.Result, error) {
	res, err := e.updater.Apply(ctx, q, d)
	if err != nil {
		return nil, fmt.Errorf("apply diff of %d: %w", d.SubjectID, err)
	}
	if !d.IsEmpty() {
		e.afterCommit(ctx, q, func(ctx context.Context) {
			e.logger.Debug("subject synchronized",
				"subject_id", d.SubjectID,
				"tables", d.TableNames(),
			)
		})
	}
	return res, nil
}

// ClearData deletes every property row of subject sid through the diff
// path, keeping usage counters and table hashes consistent.
func (e *Engine) ClearData(ctx context.Context, q store.Querier, sid int64) error {
	_, _, err := e.clear(ctx, q, sid)
	return err
}

func (e *Engine) clear(ctx context.Context, q store.Querier, sid int64) (*diff.CompositeDiff, *updater.Result, error) {
	d, err := e.differ.Diff(ctx, q, &rows.MapResult{SubjectID: sid})
	if err != nil {
		return nil, nil, err
	}
	res, err := e.apply(ctx, q, d)
	return d, res, err
}

// UpdateData stores the facts of a page and its subobjects. A fact-set
// carrying a redirect records the redirect and clears the page's own data.
// Subobjects no longer present are cleared and disposed.
func (e *Engine) UpdateData(ctx context.Context, facts *types.FactSet) (*types.UpdateResult, error) {
	if errs := validation.ValidateFactSet(facts); len(errs) > 0 {
		return nil, &InvalidFactsError{Errors: errs}
	}

	sid, _, err := e.ids.FindPage(ctx, e.store, facts.Subject)
	if err != nil {
		return nil, err
	}
	if sid == 0 {
		if sid, err = e.ids.Make(ctx, e.store, facts.Subject, facts.SortKey()); err != nil {
			return nil, err
		}
	}
	unlock := e.locks.lock(sid)
	defer unlock()

	var res *types.UpdateResult
	err = e.withTx(ctx, func(tx *store.Tx) error {
		var err error
		res, err = e.updateData(ctx, tx, facts)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("subject updated",
		"subject", facts.Subject.String(),
		"subject_id", res.SubjectID,
		"redirect", res.Redirect,
		"rows_inserted", res.RowsInserted,
		"rows_deleted", res.RowsDeleted,
	)
	return res, nil
}

func (e *Engine) updateData(ctx context.Context, q store.Querier, facts *types.FactSet) (*types.UpdateResult, error) {
	page := facts.Subject
	res := &types.UpdateResult{UnchangedHash: true}
	record := func(d *diff.CompositeDiff, r *updater.Result, isPage bool) {
		if isPage {
			res.Tables = r.Tables
		}
		ins, del := d.Counts()
		res.RowsInserted += ins
		res.RowsDeleted += del
		if !d.IsEmpty() {
			res.UnchangedHash = false
		}
	}

	if target, ok := facts.RedirectTarget(); ok {
		if _, err := e.redirects.Update(ctx, q, page, &target); err != nil {
			return nil, err
		}
		sid, _, err := e.ids.FindPage(ctx, q, page)
		if err != nil {
			return nil, err
		}
		res.SubjectID = sid
		res.Redirect = true
		if err := e.recordRevision(ctx, q, sid, facts.Revision); err != nil {
			return nil, err
		}
		if sid != 0 {
			d, r, err := e.clear(ctx, q, sid)
			if err != nil {
				return nil, err
			}
			record(d, r, true)
			e.notifyChanged(ctx, q, sid, page)
		}
		if err := e.retireSubobjects(ctx, q, page, nil); err != nil {
			return nil, err
		}
		return res, nil
	}

	if _, err := e.redirects.Update(ctx, q, page, nil); err != nil {
		return nil, err
	}
	sid, err := e.ids.Make(ctx, q, page, facts.SortKey())
	if err != nil {
		return nil, err
	}
	res.SubjectID = sid
	if err := e.recordRevision(ctx, q, sid, facts.Revision); err != nil {
		return nil, err
	}

	d, err := e.synchronize(ctx, q, sid, facts)
	if err != nil {
		return nil, err
	}
	r, err := e.apply(ctx, q, d)
	if err != nil {
		return nil, err
	}
	record(d, r, true)
	if !d.IsEmpty() {
		e.notifyChanged(ctx, q, sid, page)
	}

	keep := make(map[string]bool)
	for _, sub := range facts.Subobjects() {
		subID, err := e.ids.Make(ctx, q, sub.Subject, sub.SortKey())
		if err != nil {
			return nil, err
		}
		d, err := e.synchronize(ctx, q, subID, sub)
		if err != nil {
			return nil, err
		}
		r, err := e.apply(ctx, q, d)
		if err != nil {
			return nil, err
		}
		record(d, r, false)
		keep[sub.Subject.Subobject] = true
		res.Subobjects++
	}

	if err := e.retireSubobjects(ctx, q, page, keep); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) recordRevision(ctx context.Context, q store.Querier, sid, revision int64) error {
	if sid == 0 || revision == 0 {
		return nil
	}
	return e.ids.SetRevision(ctx, q, sid, revision)
}

// retireSubobjects clears the subobjects of page not named in keep and
// disposes them. One still referenced elsewhere is marked outdated.
func (e *Engine) retireSubobjects(ctx context.Context, q store.Querier, page types.Subject, keep map[string]bool) error {
	subs, err := e.ids.Subobjects(ctx, q, page)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.Subject.Interwiki != "" || keep[sub.Subject.Subobject] {
			continue
		}
		if err := e.ClearData(ctx, q, sub.ID); err != nil {
			return err
		}
		disposed, err := e.disposer.Dispose(ctx, q, sub.ID)
		if err != nil {
			return err
		}
		if disposed {
			continue
		}
		if err := e.ids.SetMarker(ctx, q, sub.ID, idtable.MarkerOutdated); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSubject removes the data of a page and its subobjects, drops its
// redirect and disposes its identifiers when nothing references them.
func (e *Engine) DeleteSubject(ctx context.Context, subject types.Subject) error {
	page := subject.Page().WithInterwiki(idtable.MarkerNone)
	sid, _, err := e.ids.FindPage(ctx, e.store, page)
	if err != nil {
		return err
	}
	if sid == 0 {
		return fmt.Errorf("delete %s: %w", page, idtable.ErrNotFound)
	}
	unlock := e.locks.lock(sid)
	defer unlock()

	return e.withTx(ctx, func(tx *store.Tx) error {
		target, err := links.RedirectTarget(ctx, tx, page.Title, page.Namespace)
		if err != nil {
			return err
		}
		if target != 0 {
			if _, err := e.redirects.Update(ctx, tx, page, nil); err != nil {
				return err
			}
		}
		sid, _, err := e.ids.FindPage(ctx, tx, page)
		if err != nil || sid == 0 {
			return err
		}
		if err := e.ClearData(ctx, tx, sid); err != nil {
			return err
		}
		if err := e.retireSubobjects(ctx, tx, page, nil); err != nil {
			return err
		}
		disposed, err := e.disposer.Dispose(ctx, tx, sid)
		if err != nil {
			return err
		}
		if !disposed {
			e.notifyChanged(ctx, tx, sid, page)
		}
		e.logger.Info("subject deleted", "subject", page.String(), "subject_id", sid, "disposed", disposed)
		return nil
	})
}

package engine

import (
	"context"

	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/redirect"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

// Dispose purges id when no table references it and reports whether it
// did.
func (e *Engine) Dispose(ctx context.Context, id int64) (bool, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	disposed, err := e.disposer.Dispose(ctx, e.store, id)
	if err != nil {
		e.cache.Invalidate()
	}
	return disposed, err
}

// ForceCleanup deletes the rows of id from every property table and purges
// the identifier without checking for other references.
func (e *Engine) ForceCleanup(ctx context.Context, id int64) error {
	unlock := e.locks.lock(id)
	defer unlock()

	err := e.disposer.ForceCleanup(ctx, e.store, id)
	if err != nil {
		e.cache.Invalidate()
	}
	return err
}

// UpdateRedirect records that source redirects to target, or removes the
// redirect when target is nil, and returns the canonical identifier of
// source.
func (e *Engine) UpdateRedirect(ctx context.Context, source types.Subject, target *types.Subject) (int64, error) {
	unlock, err := e.lockPage(ctx, source)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var id int64
	err = e.withTx(ctx, func(tx *store.Tx) error {
		var err error
		if id, err = e.redirects.Update(ctx, tx, source, target); err != nil {
			return err
		}
		e.notifyChanged(ctx, tx, id, source.Page())
		return nil
	})
	return id, err
}

// MoveIdentity moves the data of source and its subobjects to target and
// either leaves a redirect behind or retires the source.
func (e *Engine) MoveIdentity(ctx context.Context, source, target types.Subject, opts redirect.MoveOptions) error {
	unlock, err := e.lockPage(ctx, source)
	if err != nil {
		return err
	}
	defer unlock()

	err = e.withTx(ctx, func(tx *store.Tx) error {
		if err := e.mover.Move(ctx, tx, source, target, opts); err != nil {
			return err
		}
		tid, _, err := e.ids.FindPage(ctx, tx, target.Page().WithInterwiki(idtable.MarkerNone))
		if err != nil {
			return err
		}
		e.notifyChanged(ctx, tx, tid, target.Page())
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("identity moved",
		"source", source.String(),
		"target", target.String(),
		"leave_redirect", opts.LeaveRedirect,
	)
	return nil
}

// DisposalPass reports one window of a disposal sweep.
type DisposalPass struct {
	LastID   int64
	Scanned  int
	Disposed int
}

// DisposeMarked walks up to limit identifiers marked outdated or pending
// delete with ids above afterID. Each one's rows are cleared and the
// identifier is disposed when nothing references it any more.
func (e *Engine) DisposeMarked(ctx context.Context, afterID int64, limit int) (DisposalPass, error) {
	pass := DisposalPass{LastID: afterID}
	marked, err := e.ids.ListMarked(ctx, e.store, afterID, limit, idtable.MarkerOutdated, idtable.MarkerDelete)
	if err != nil {
		return pass, err
	}
	for _, m := range marked {
		if err := ctx.Err(); err != nil {
			return pass, err
		}
		disposed, err := e.disposeMarked(ctx, m.ID)
		if err != nil {
			return pass, err
		}
		pass.LastID = m.ID
		pass.Scanned++
		if disposed {
			pass.Disposed++
		}
	}
	return pass, nil
}

func (e *Engine) disposeMarked(ctx context.Context, id int64) (bool, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	var disposed bool
	err := e.withTx(ctx, func(tx *store.Tx) error {
		if err := e.ClearData(ctx, tx, id); err != nil {
			return err
		}
		var err error
		disposed, err = e.disposer.Dispose(ctx, tx, id)
		return err
	})
	return disposed, err
}

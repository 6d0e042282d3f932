package redirect

import (
	"context"
	"fmt"

	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/links"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

// DataClearer deletes all stored property rows of a subject through the
// regular synchronization path.
type DataClearer interface {
	ClearData(ctx context.Context, q store.Querier, sid int64) error
}

// MoveOptions controls a page move.
type MoveOptions struct {
	// LeaveRedirect records a redirect from the old title to the new one.
	LeaveRedirect bool `json:"leave_redirect"`

	// ForceUpdateJobs queues re-index jobs even when update jobs are
	// disabled.
	ForceUpdateJobs bool `json:"force_update_jobs"`
}

// Mover moves a page identity to a new title.
type Mover struct {
	ids      *idtable.Registry
	rewriter *Rewriter
	updater  *Updater
	clearer  DataClearer
}

// NewMover creates a mover.
func NewMover(ids *idtable.Registry, rewriter *Rewriter, updater *Updater, clearer DataClearer) *Mover {
	return &Mover{ids: ids, rewriter: rewriter, updater: updater, clearer: clearer}
}

// Move moves the data of source, including its subobjects, to target.
// When target has no identifier and identity merging is enabled the
// source identifiers are renamed in place. Otherwise target's data is
// deleted and source's rows are rewritten to target's identifier, and the
// source identifier is marked for deletion.
func (m *Mover) Move(ctx context.Context, q store.Querier, source, target types.Subject, opts MoveOptions) error {
	source = source.Page().WithInterwiki(idtable.MarkerNone)
	target = target.Page().WithInterwiki(idtable.MarkerNone)
	if source == target {
		return nil
	}

	sid, sidRedirect, err := m.ids.FindPage(ctx, q, source)
	if err != nil {
		return err
	}
	tid, tidRedirect, err := m.ids.FindPage(ctx, q, target)
	if err != nil {
		return err
	}
	jobs := m.updater.opts.UpdateJobs || opts.ForceUpdateJobs

	// A redirecting target is overwritten: it stops redirecting and its
	// identifier becomes the plain one receiving source's data.
	if sid != 0 && tidRedirect {
		if tid, err = m.updater.update(ctx, q, target, nil, opts.ForceUpdateJobs); err != nil {
			return fmt.Errorf("retire redirect of move target %s: %w", target, err)
		}
	}
	targetSubs, err := m.liveSubobjects(ctx, q, target)
	if err != nil {
		return err
	}

	leftover := int64(0)
	switch {
	case sid == 0:
	case tid == 0 && len(targetSubs) == 0 && m.updater.opts.MergeIdentity:
		if err := m.rename(ctx, q, sid, sidRedirect, source, target); err != nil {
			return err
		}
	default:
		if jobs {
			if err := m.updater.queueReferencing(ctx, q, sid, ReasonPageMoved); err != nil {
				return err
			}
		}
		if err := m.rewrite(ctx, q, sid, tid, source, target); err != nil {
			return err
		}
		leftover = sid
	}

	if opts.LeaveRedirect {
		_, err := m.updater.update(ctx, q, source, &target, opts.ForceUpdateJobs)
		return err
	}

	old, err := links.RedirectTarget(ctx, q, source.Title, source.Namespace)
	if err != nil {
		return err
	}
	if old != 0 {
		if _, err := m.updater.update(ctx, q, source, nil, opts.ForceUpdateJobs); err != nil {
			return err
		}
	}
	if leftover != 0 {
		return m.ids.SetMarker(ctx, q, leftover, idtable.MarkerDelete)
	}
	return nil
}

// liveSubobjects returns the subobjects of page that are not waiting for
// disposal. Retired ones stay under their old title until the sweep.
func (m *Mover) liveSubobjects(ctx context.Context, q store.Querier, page types.Subject) ([]idtable.Entry, error) {
	subs, err := m.ids.Subobjects(ctx, q, page)
	if err != nil {
		return nil, err
	}
	live := subs[:0]
	for _, sub := range subs {
		if !idtable.Retired(sub.Subject.Interwiki) {
			live = append(live, sub)
		}
	}
	return live, nil
}

// rename gives the identifiers of source and its subobjects the title of
// target. The table rows keep their identifiers.
func (m *Mover) rename(ctx context.Context, q store.Querier, sid int64, redirect bool, source, target types.Subject) error {
	subs, err := m.liveSubobjects(ctx, q, source)
	if err != nil {
		return err
	}
	to := target
	if redirect {
		to = target.WithInterwiki(idtable.MarkerRedirect)
	}
	if err := m.ids.Rename(ctx, q, sid, to, types.DefaultSortKey(target)); err != nil {
		return err
	}
	for _, sub := range subs {
		to := types.Subject{
			Title:     target.Title,
			Namespace: target.Namespace,
			Interwiki: sub.Subject.Interwiki,
			Subobject: sub.Subject.Subobject,
		}
		if err := m.ids.Rename(ctx, q, sub.ID, to, ""); err != nil {
			return err
		}
	}

	old, err := links.RedirectTarget(ctx, q, source.Title, source.Namespace)
	if err != nil || old == 0 {
		return err
	}
	if _, err := links.DeleteRedirect(ctx, q, source.Title, source.Namespace); err != nil {
		return err
	}
	return links.SetRedirect(ctx, q, target.Title, target.Namespace, old)
}

// rewrite deletes the data stored at target and moves the rows of source
// onto target's identifiers, subobjects included.
func (m *Mover) rewrite(ctx context.Context, q store.Querier, sid, tid int64, source, target types.Subject) error {
	var err error
	if tid == 0 {
		if tid, err = m.ids.Make(ctx, q, target, ""); err != nil {
			return err
		}
	} else if err := m.clearer.ClearData(ctx, q, tid); err != nil {
		return fmt.Errorf("clear move target %s: %w", target, err)
	}

	targetSubs, err := m.liveSubobjects(ctx, q, target)
	if err != nil {
		return err
	}
	existing := make(map[string]int64, len(targetSubs))
	for _, sub := range targetSubs {
		if err := m.clearer.ClearData(ctx, q, sub.ID); err != nil {
			return fmt.Errorf("clear move target %s: %w", sub.Subject, err)
		}
		existing[sub.Subject.Interwiki+"#"+sub.Subject.Subobject] = sub.ID
	}

	merge := m.updater.opts.MergeIdentity
	if err := m.rewriter.ChangeID(ctx, q, sid, tid, true, merge); err != nil {
		return err
	}

	subs, err := m.liveSubobjects(ctx, q, source)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		to := types.Subject{
			Title:     target.Title,
			Namespace: target.Namespace,
			Interwiki: sub.Subject.Interwiki,
			Subobject: sub.Subject.Subobject,
		}
		into, ok := existing[to.Interwiki+"#"+to.Subobject]
		if !ok {
			if err := m.ids.Rename(ctx, q, sub.ID, to, ""); err != nil {
				return err
			}
			continue
		}
		if err := m.rewriter.ChangeID(ctx, q, sub.ID, into, true, merge); err != nil {
			return err
		}
		if err := m.ids.SetMarker(ctx, q, sub.ID, idtable.MarkerDelete); err != nil {
			return err
		}
	}
	return nil
}

// Package redirect maintains redirect links between pages and the identity
// changes they cause: merging a redirecting page into its target, moving a
// page to a new title, and queueing re-index jobs for pages that referenced
// the old identity.
package redirect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/jobs"
	"github.com/hyperengineering/factstore/internal/links"
	"github.com/hyperengineering/factstore/internal/stats"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

// Job reasons recorded with queued re-index requests.
const (
	ReasonRedirectChanged = "redirect-changed"
	ReasonPageMoved       = "page-moved"
)

// Options configures redirect handling.
type Options struct {
	// MergeIdentity treats a redirect as an identity merge: references to
	// the redirecting page are rewritten to the target.
	MergeIdentity bool

	// UpdateJobs queues re-index jobs for pages referencing an identity
	// that stopped being a redirect target.
	UpdateJobs bool
}

// Updater runs the redirect state machine for a source page.
type Updater struct {
	ids      *idtable.Registry
	rewriter *Rewriter
	queue    *jobs.Queue
	opts     Options
	logger   *slog.Logger
}

// NewUpdater creates a redirect updater.
func NewUpdater(ids *idtable.Registry, rewriter *Rewriter, queue *jobs.Queue, opts Options) *Updater {
	return &Updater{
		ids:      ids,
		rewriter: rewriter,
		queue:    queue,
		opts:     opts,
		logger:   slog.Default().With("component", "redirect"),
	}
}

// Update records that source redirects to target, or that it no longer
// redirects when target is nil, and returns the canonical identifier of
// source afterwards. Recording the redirect already stored is a no-op.
func (u *Updater) Update(ctx context.Context, q store.Querier, source types.Subject, target *types.Subject) (int64, error) {
	return u.update(ctx, q, source, target, false)
}

func (u *Updater) update(ctx context.Context, q store.Querier, source types.Subject, target *types.Subject, forceJobs bool) (int64, error) {
	source = source.Page().WithInterwiki(idtable.MarkerNone)
	if target != nil {
		t := target.Page().WithInterwiki(idtable.MarkerNone)
		if t == source {
			target = nil
		} else {
			target = &t
		}
	}

	oldTID, err := links.RedirectTarget(ctx, q, source.Title, source.Namespace)
	if err != nil {
		return 0, err
	}

	var (
		newTID       int64
		targetUnused bool
	)
	if target != nil {
		existing, err := u.ids.Find(ctx, q, *target)
		if err != nil {
			return 0, err
		}
		targetUnused = existing == 0
		if newTID, err = u.ids.Make(ctx, q, *target, ""); err != nil {
			return 0, err
		}
	}

	if oldTID == newTID {
		if newTID != 0 {
			return newTID, nil
		}
		return u.ids.Make(ctx, q, source, "")
	}

	sid, sidRedirect, err := u.ids.FindPage(ctx, q, source)
	if err != nil {
		return 0, err
	}

	if u.opts.MergeIdentity && oldTID == 0 && newTID != 0 && sid != 0 && !sidRedirect {
		if err := u.rewriter.ChangeID(ctx, q, sid, newTID, targetUnused, true); err != nil {
			return 0, fmt.Errorf("merge %s into %s: %w", source, target, err)
		}
		u.logger.Info("identity merged",
			"source", source.String(),
			"source_id", sid,
			"target", target.String(),
			"target_id", newTID,
			"subject_data", targetUnused,
		)
	}

	rediPID, err := u.ids.Make(ctx, q, types.Property{Key: types.PropRedirect}.Subject(), "")
	if err != nil {
		return 0, err
	}
	var delta int64

	if newTID != 0 {
		if u.opts.MergeIdentity {
			if err := u.markRedirect(ctx, q, source, sid); err != nil {
				return 0, err
			}
		}
		if err := links.SetRedirect(ctx, q, source.Title, source.Namespace, newTID); err != nil {
			return 0, err
		}
		delta++
	}

	if oldTID != 0 {
		delta--
		if u.opts.UpdateJobs || forceJobs {
			if err := u.queueReferencing(ctx, q, oldTID, ReasonRedirectChanged); err != nil {
				return 0, err
			}
		}
		if newTID == 0 {
			if _, err := links.DeleteRedirect(ctx, q, source.Title, source.Namespace); err != nil {
				return 0, err
			}
			if u.opts.MergeIdentity {
				if err := u.unmarkRedirect(ctx, q, source); err != nil {
					return 0, err
				}
			}
		}
	}

	if err := stats.AddUsageCounts(ctx, q, map[int64]int64{rediPID: delta}); err != nil {
		return 0, err
	}

	u.logger.Debug("redirect updated",
		"source", source.String(),
		"old_target_id", oldTID,
		"new_target_id", newTID,
	)

	if newTID != 0 {
		return newTID, nil
	}
	return u.ids.Make(ctx, q, source, "")
}

// markRedirect gives source a redirect-marked identifier, flipping sid when
// no marked one exists yet.
func (u *Updater) markRedirect(ctx context.Context, q store.Querier, source types.Subject, sid int64) error {
	rid, err := u.ids.Find(ctx, q, source.WithInterwiki(idtable.MarkerRedirect))
	if err != nil || rid != 0 {
		return err
	}
	if sid == 0 {
		_, err = u.ids.Make(ctx, q, source.WithInterwiki(idtable.MarkerRedirect), "")
		return err
	}
	return u.ids.SetMarker(ctx, q, sid, idtable.MarkerRedirect)
}

// unmarkRedirect turns the redirect-marked identifier of source back into
// the plain one. When a plain identifier already exists the marked one is
// left to disposal as outdated.
func (u *Updater) unmarkRedirect(ctx context.Context, q store.Querier, source types.Subject) error {
	rid, err := u.ids.Find(ctx, q, source.WithInterwiki(idtable.MarkerRedirect))
	if err != nil || rid == 0 {
		return err
	}
	plain, err := u.ids.Find(ctx, q, source)
	if err != nil {
		return err
	}
	marker := idtable.MarkerNone
	if plain != 0 {
		marker = idtable.MarkerOutdated
	}
	return u.ids.SetMarker(ctx, q, rid, marker)
}

// queueReferencing pushes re-index jobs for every page using id as property
// or object, and for pages redirecting to it.
func (u *Updater) queueReferencing(ctx context.Context, q store.Querier, id int64, reason string) error {
	if u.queue == nil {
		return nil
	}
	affected, err := u.rewriter.Referencing(ctx, q, id)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	var subjects []types.Subject
	add := func(s types.Subject) {
		if !seen[s.Key()] {
			seen[s.Key()] = true
			subjects = append(subjects, s)
		}
	}

	it := affected.Iterator()
	for it.HasNext() {
		e, err := u.ids.Get(ctx, q, int64(it.Next()))
		if err != nil {
			return err
		}
		add(e.Page().Page())
	}
	sources, err := links.RedirectSources(ctx, q, id)
	if err != nil {
		return err
	}
	for _, rs := range sources {
		add(types.Subject{Title: rs.Title, Namespace: rs.Namespace})
	}

	n, err := u.queue.Push(ctx, q, reason, subjects...)
	if err != nil {
		return err
	}
	if n > 0 {
		u.logger.Info("update jobs queued", "reason", reason, "referenced_id", id, "jobs", n)
	}
	return nil
}

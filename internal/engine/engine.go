// Package engine is the entry point to property table synchronization. It
// wires the mapper, differ, updater, disposer and redirect handling
// together and runs each subject's pass in its own transaction.
package engine

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/factstore/internal/catalog"
	"github.com/hyperengineering/factstore/internal/datatype"
	"github.com/hyperengineering/factstore/internal/diff"
	"github.com/hyperengineering/factstore/internal/dispose"
	"github.com/hyperengineering/factstore/internal/events"
	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/jobs"
	"github.com/hyperengineering/factstore/internal/redirect"
	"github.com/hyperengineering/factstore/internal/rows"
	"github.com/hyperengineering/factstore/internal/stats"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
	"github.com/hyperengineering/factstore/internal/updater"
)

// Config holds the engine switches.
type Config struct {
	// MergeIdentity treats redirects as identity merges.
	MergeIdentity bool

	// UpdateJobs queues re-index jobs when a redirect target changes.
	UpdateJobs bool

	// DeferStatistics flushes usage counters after the subject's
	// transaction commits instead of inside it.
	DeferStatistics bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithCache sets the identifier cache. Engines sharing a cache must share
// the database too.
func WithCache(c *idtable.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithDispatcher sets the receiver of cache-invalidation events.
func WithDispatcher(d events.Dispatcher) Option {
	return func(e *Engine) { e.events = d }
}

// Engine synchronizes fact-sets into the property tables.
type Engine struct {
	store    *store.SQLiteStore
	catalog  *catalog.Catalog
	encoders *datatype.Registry
	cfg      Config
	cache    *idtable.Cache
	events   events.Dispatcher

	ids       *idtable.Registry
	mapper    *rows.Mapper
	differ    *diff.Differ
	updater   *updater.Updater
	finder    *dispose.Finder
	disposer  *dispose.Disposer
	redirects *redirect.Updater
	mover     *redirect.Mover
	counter   *stats.Counter
	queue     *jobs.Queue
	locks     *subjectLocks
	logger    *slog.Logger
}

// New creates an engine on s.
func New(s *store.SQLiteStore, cat *catalog.Catalog, encoders *datatype.Registry, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		catalog:  cat,
		encoders: encoders,
		cfg:      cfg,
		locks:    newSubjectLocks(),
		logger:   slog.Default().With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = idtable.NewCache(idtable.DefaultCacheSize)
	}
	if e.events == nil {
		e.events = events.NewBus()
	}

	e.ids = idtable.NewRegistry(e.cache)
	e.mapper = rows.NewMapper(cat, encoders, e.ids, cfg.MergeIdentity)
	e.differ = diff.NewDiffer(cat, e.ids)
	e.updater = updater.New(cat, e.ids, cfg.DeferStatistics)
	e.finder = dispose.NewFinder(cat)
	e.disposer = dispose.NewDisposer(s, cat, e.ids, e.finder, e.events)
	e.queue = jobs.NewQueue()
	rewriter := redirect.NewRewriter(cat, e.ids)
	e.redirects = redirect.NewUpdater(e.ids, rewriter, e.queue, redirect.Options{
		MergeIdentity: cfg.MergeIdentity,
		UpdateJobs:    cfg.UpdateJobs,
	})
	e.mover = redirect.NewMover(e.ids, rewriter, e.redirects, e)
	e.counter = stats.NewCounter(cat, e.ids)
	return e
}

// IDs returns the identifier registry.
func (e *Engine) IDs() *idtable.Registry {
	return e.ids
}

// Catalog returns the table catalog.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// withTx runs fn in a transaction. A failed transaction may have left
// identifiers of rolled back rows in the cache, so the cache is dropped.
func (e *Engine) withTx(ctx context.Context, fn func(tx *store.Tx) error) error {
	err := e.store.WithTx(ctx, fn)
	if err != nil {
		e.cache.Invalidate()
	}
	return err
}

// lockPage locks the identifier of page, if it has one.
func (e *Engine) lockPage(ctx context.Context, page types.Subject) (func(), error) {
	id, _, err := e.ids.FindPage(ctx, e.store, page.Page().WithInterwiki(idtable.MarkerNone))
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return func() {}, nil
	}
	return e.locks.lock(id), nil
}

// afterCommit runs fn once q's transaction has committed, or right away
// when q is not a transaction.
func (e *Engine) afterCommit(ctx context.Context, q store.Querier, fn func(ctx context.Context)) {
	if tx, ok := q.(*store.Tx); ok {
		tx.OnCommit(func(ctx context.Context, _ store.Querier) error {
			fn(ctx)
			return nil
		})
		return
	}
	fn(ctx)
}

func (e *Engine) notifyChanged(ctx context.Context, q store.Querier, id int64, subject types.Subject) {
	e.afterCommit(ctx, q, func(ctx context.Context) {
		e.events.Dispatch(ctx, events.Event{Kind: events.InvalidateEntityCache, ID: id, Subject: subject})
		e.events.Dispatch(ctx, events.Event{Kind: events.InvalidateResultCache, ID: id, Subject: subject})
	})
}

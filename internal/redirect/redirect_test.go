package redirect

import (
	"context"
	"testing"

	"github.com/hyperengineering/factstore/internal/catalog"
	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/jobs"
	"github.com/hyperengineering/factstore/internal/links"
	"github.com/hyperengineering/factstore/internal/stats"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/testutil"
	"github.com/hyperengineering/factstore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rowClearer deletes subject rows directly.
type rowClearer struct {
	cat     *catalog.Catalog
	cleared []int64
}

func (c *rowClearer) ClearData(ctx context.Context, q store.Querier, sid int64) error {
	c.cleared = append(c.cleared, sid)
	for _, t := range c.cat.SubjectTables() {
		if _, err := q.ExecContext(ctx, `DELETE FROM `+t.Name+` WHERE s_id = ?`, sid); err != nil {
			return err
		}
	}
	return nil
}

type fixture struct {
	s       *store.SQLiteStore
	cat     *catalog.Catalog
	ids     *idtable.Registry
	queue   *jobs.Queue
	updater *Updater
	mover   *Mover
	clearer *rowClearer
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	s := testutil.OpenStore(t)
	cat, _ := testutil.Catalog(t)
	ids := idtable.NewRegistry(idtable.NewCache(100))
	rw := NewRewriter(cat, ids)
	queue := jobs.NewQueue()
	up := NewUpdater(ids, rw, queue, opts)
	clearer := &rowClearer{cat: cat}
	return fixture{
		s:       s,
		cat:     cat,
		ids:     ids,
		queue:   queue,
		updater: up,
		mover:   NewMover(ids, rw, up, clearer),
		clearer: clearer,
	}
}

func (f fixture) make(t *testing.T, s types.Subject) int64 {
	t.Helper()
	id, err := f.ids.Make(context.Background(), f.s, s, "")
	require.NoError(t, err)
	return id
}

func (f fixture) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := f.s.ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
}

func (f fixture) column(t *testing.T, query string, args ...any) []int64 {
	t.Helper()
	rows, err := f.s.QueryContext(context.Background(), query, args...)
	require.NoError(t, err)
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		require.NoError(t, rows.Scan(&v))
		out = append(out, v)
	}
	require.NoError(t, rows.Err())
	return out
}

func (f fixture) redirectUsage(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	pid, err := f.ids.Find(ctx, f.s, types.Property{Key: types.PropRedirect}.Subject())
	require.NoError(t, err)
	n, err := stats.UsageCount(ctx, f.s, pid)
	require.NoError(t, err)
	return n
}

func (f fixture) totalChanges(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.s.QueryRowContext(context.Background(), `SELECT total_changes()`).Scan(&n))
	return n
}

var (
	foo = types.NewSubject("Foo", types.NSMain)
	bar = types.NewSubject("Bar", types.NSMain)
	baz = types.NewSubject("Baz", types.NSMain)
)

func TestUpdate_RecordsRedirect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	fooID := f.make(t, foo)

	id, err := f.updater.Update(ctx, f.s, foo, &bar)
	require.NoError(t, err)

	barID, err := f.ids.Find(ctx, f.s, bar)
	require.NoError(t, err)
	assert.Equal(t, barID, id)
	target, err := links.RedirectTarget(ctx, f.s, "Foo", types.NSMain)
	require.NoError(t, err)
	assert.Equal(t, barID, target)
	assert.Equal(t, int64(1), f.redirectUsage(t))

	e, err := f.ids.Get(ctx, f.s, fooID)
	require.NoError(t, err)
	assert.Equal(t, idtable.MarkerNone, e.Marker(), "without identity merge the marker stays plain")
}

func TestUpdate_SameTargetIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MergeIdentity: true})
	f.make(t, foo)

	first, err := f.updater.Update(ctx, f.s, foo, &bar)
	require.NoError(t, err)
	before := f.totalChanges(t)

	second, err := f.updater.Update(ctx, f.s, foo, &bar)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, before, f.totalChanges(t), "no rows written")
	assert.Equal(t, int64(1), f.redirectUsage(t))
}

func TestUpdate_NoRedirectBeforeOrAfter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MergeIdentity: true})
	fooID := f.make(t, foo)

	id, err := f.updater.Update(ctx, f.s, foo, nil)
	require.NoError(t, err)

	assert.Equal(t, fooID, id)
	assert.Equal(t, 0, testutil.CountRows(t, f.s, catalog.RedirectTable))
}

func TestUpdate_SelfRedirectIsRemoval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	fooID := f.make(t, foo)

	id, err := f.updater.Update(ctx, f.s, foo, &foo)
	require.NoError(t, err)

	assert.Equal(t, fooID, id)
	assert.Equal(t, 0, testutil.CountRows(t, f.s, catalog.RedirectTable))
}

func TestUpdate_MergesIdentityIntoUnusedTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MergeIdentity: true})
	fooID := f.make(t, foo)
	pid := f.make(t, types.NewProperty("Has text").Subject())
	linkPID := f.make(t, types.NewProperty("Links to").Subject())
	other := f.make(t, types.NewSubject("Other", types.NSMain))

	// Given: Foo has data and Other links to Foo
	f.exec(t, `INSERT INTO prop_di_blob (s_id, p_id, o_blob, o_hash) VALUES (?, ?, NULL, 'x')`, fooID, pid)
	f.exec(t, `INSERT INTO prop_di_wikipage (s_id, p_id, o_id) VALUES (?, ?, ?)`, other, linkPID, fooID)
	require.NoError(t, f.ids.SetTableHashes(ctx, f.s, other, map[string]string{"prop_di_wikipage": "h"}))

	// When: Foo becomes a redirect to the unused Bar
	barID, err := f.updater.Update(ctx, f.s, foo, &bar)
	require.NoError(t, err)

	// Then: Foo's rows and the references to Foo now use Bar's new identifier
	assert.NotEqual(t, fooID, barID)
	assert.Equal(t, []int64{barID}, f.column(t, `SELECT s_id FROM prop_di_blob`))
	assert.Equal(t, []int64{barID}, f.column(t, `SELECT o_id FROM prop_di_wikipage`))

	hashes, err := f.ids.TableHashes(ctx, f.s, other)
	require.NoError(t, err)
	assert.Nil(t, hashes, "referencing subjects must be re-diffed")

	e, err := f.ids.Get(ctx, f.s, fooID)
	require.NoError(t, err)
	assert.Equal(t, idtable.MarkerRedirect, e.Marker())

	resolved, err := f.ids.Resolve(ctx, f.s, foo)
	require.NoError(t, err)
	assert.Equal(t, barID, resolved)
	assert.Equal(t, int64(1), f.redirectUsage(t))
}

func TestUpdate_MergeKeepsSubjectDataWhenTargetInUse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MergeIdentity: true})
	fooID := f.make(t, foo)
	barID := f.make(t, bar)
	pid := f.make(t, types.NewProperty("Has text").Subject())
	f.exec(t, `INSERT INTO prop_di_blob (s_id, p_id, o_blob, o_hash) VALUES (?, ?, NULL, 'x')`, fooID, pid)

	id, err := f.updater.Update(ctx, f.s, foo, &bar)
	require.NoError(t, err)

	assert.Equal(t, barID, id)
	assert.Equal(t, []int64{fooID}, f.column(t, `SELECT s_id FROM prop_di_blob`))
}

func TestUpdate_RemoveRedirectRestoresPlainIdentifier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MergeIdentity: true, UpdateJobs: true})
	fooID := f.make(t, foo)
	_, err := f.updater.Update(ctx, f.s, foo, &bar)
	require.NoError(t, err)

	id, err := f.updater.Update(ctx, f.s, foo, nil)
	require.NoError(t, err)

	assert.Equal(t, fooID, id)
	e, err := f.ids.Get(ctx, f.s, fooID)
	require.NoError(t, err)
	assert.Equal(t, idtable.MarkerNone, e.Marker())
	assert.Equal(t, 0, testutil.CountRows(t, f.s, catalog.RedirectTable))
	assert.Equal(t, int64(0), f.redirectUsage(t))
}

func TestUpdate_ChangingTargetQueuesJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{UpdateJobs: true})
	f.make(t, foo)
	barID := f.make(t, bar)
	linkPID := f.make(t, types.NewProperty("Links to").Subject())
	other := types.NewSubject("Other", types.NSMain)
	otherID := f.make(t, other)
	f.exec(t, `INSERT INTO prop_di_wikipage (s_id, p_id, o_id) VALUES (?, ?, ?)`, otherID, linkPID, barID)

	_, err := f.updater.Update(ctx, f.s, foo, &bar)
	require.NoError(t, err)
	n, err := f.queue.Count(ctx, f.s)
	require.NoError(t, err)
	require.Zero(t, n, "a new redirect queues nothing")

	id, err := f.updater.Update(ctx, f.s, foo, &baz)
	require.NoError(t, err)

	bazID, err := f.ids.Find(ctx, f.s, baz)
	require.NoError(t, err)
	assert.Equal(t, bazID, id)
	queued, err := f.queue.List(ctx, f.s, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, other, queued[0].Subject)
	assert.Equal(t, ReasonRedirectChanged, queued[0].Reason)
	assert.Equal(t, int64(1), f.redirectUsage(t))
}

func TestUpdate_JobsDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.make(t, foo)
	_, err := f.updater.Update(ctx, f.s, foo, &bar)
	require.NoError(t, err)

	_, err = f.updater.Update(ctx, f.s, foo, nil)
	require.NoError(t, err)

	n, err := f.queue.Count(ctx, f.s)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestChangeID_MovesPropertyUsage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	sid := f.make(t, foo)
	from := f.make(t, types.NewProperty("Old name").Subject())
	to := f.make(t, types.NewProperty("New name").Subject())
	f.exec(t, `INSERT INTO prop_di_blob (s_id, p_id, o_blob, o_hash) VALUES (?, ?, NULL, 'x')`, sid, from)
	require.NoError(t, stats.AddUsageCounts(ctx, f.s, map[int64]int64{from: 1}))

	require.NoError(t, NewRewriter(f.cat, f.ids).ChangeID(ctx, f.s, from, to, false, true))

	assert.Equal(t, []int64{to}, f.column(t, `SELECT p_id FROM prop_di_blob`))
	n, err := stats.UsageCount(ctx, f.s, to)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	mismatches, err := stats.NewCounter(f.cat, f.ids).Verify(ctx, f.s)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestMove_RenamesIdentityWhenTargetUnused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MergeIdentity: true})
	fooID := f.make(t, foo)
	subID := f.make(t, types.Subject{Title: "Foo", Namespace: types.NSMain, Subobject: "s1"})

	err := f.mover.Move(ctx, f.s, foo, bar, MoveOptions{LeaveRedirect: true})
	require.NoError(t, err)

	id, err := f.ids.Find(ctx, f.s, bar)
	require.NoError(t, err)
	assert.Equal(t, fooID, id, "the identifier keeps its number")
	sub, err := f.ids.Get(ctx, f.s, subID)
	require.NoError(t, err)
	assert.Equal(t, "Bar", sub.Subject.Title)

	target, err := links.RedirectTarget(ctx, f.s, "Foo", types.NSMain)
	require.NoError(t, err)
	assert.Equal(t, fooID, target)
	rid, err := f.ids.Find(ctx, f.s, foo.WithInterwiki(idtable.MarkerRedirect))
	require.NoError(t, err)
	assert.NotZero(t, rid)
	assert.Empty(t, f.clearer.cleared)
}

func TestMove_RewritesRowsOntoExistingTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MergeIdentity: true, UpdateJobs: true})
	fooID := f.make(t, foo)
	barID := f.make(t, bar)
	pid := f.make(t, types.NewProperty("Has text").Subject())
	f.exec(t, `INSERT INTO prop_di_blob (s_id, p_id, o_blob, o_hash) VALUES (?, ?, NULL, 'foo')`, fooID, pid)
	f.exec(t, `INSERT INTO prop_di_blob (s_id, p_id, o_blob, o_hash) VALUES (?, ?, NULL, 'bar')`, barID, pid)

	err := f.mover.Move(ctx, f.s, foo, bar, MoveOptions{})
	require.NoError(t, err)

	assert.Equal(t, []int64{barID}, f.clearer.cleared)
	assert.Equal(t, []int64{barID}, f.column(t, `SELECT s_id FROM prop_di_blob`))
	var hash string
	require.NoError(t, f.s.QueryRowContext(ctx, `SELECT o_hash FROM prop_di_blob`).Scan(&hash))
	assert.Equal(t, "foo", hash)

	e, err := f.ids.Get(ctx, f.s, fooID)
	require.NoError(t, err)
	assert.Equal(t, idtable.MarkerDelete, e.Marker())
	assert.Equal(t, 0, testutil.CountRows(t, f.s, catalog.RedirectTable))
}

func TestMove_ReassignsSubobjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.make(t, foo)
	f.make(t, bar)
	moved := f.make(t, types.Subject{Title: "Foo", Namespace: types.NSMain, Subobject: "only-source"})
	clash := f.make(t, types.Subject{Title: "Foo", Namespace: types.NSMain, Subobject: "both"})
	kept := f.make(t, types.Subject{Title: "Bar", Namespace: types.NSMain, Subobject: "both"})
	pid := f.make(t, types.NewProperty("Has text").Subject())
	f.exec(t, `INSERT INTO prop_di_blob (s_id, p_id, o_blob, o_hash) VALUES (?, ?, NULL, 'x')`, clash, pid)

	require.NoError(t, f.mover.Move(ctx, f.s, foo, bar, MoveOptions{LeaveRedirect: true}))

	e, err := f.ids.Get(ctx, f.s, moved)
	require.NoError(t, err)
	assert.Equal(t, "Bar", e.Subject.Title)
	assert.Equal(t, []int64{kept}, f.column(t, `SELECT s_id FROM prop_di_blob`))
	e, err = f.ids.Get(ctx, f.s, clash)
	require.NoError(t, err)
	assert.Equal(t, idtable.MarkerDelete, e.Marker())
}

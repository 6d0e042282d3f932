package idtable

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hyperengineering/factstore/internal/links"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*store.SQLiteStore, *Registry) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ids.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, NewRegistry(NewCache(100))
}

func TestMake_AllocatesOnceAndCaches(t *testing.T) {
	ctx := context.Background()
	s, reg := setup(t)
	foo := types.NewSubject("Foo bar", types.NSMain)

	id, err := reg.Make(ctx, s, foo, "")
	require.NoError(t, err)
	require.NotZero(t, id)

	again, err := reg.Make(ctx, s, foo, "")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	e, err := reg.Get(ctx, s, id)
	require.NoError(t, err)
	assert.Equal(t, "Foo bar", e.SortKey)
	assert.Equal(t, Checksum(foo), e.Checksum)
	assert.Equal(t, foo, e.Subject)

	hits, _ := reg.Cache().Stats()
	assert.Positive(t, hits)
}

func TestMake_UpdatesSortKey(t *testing.T) {
	ctx := context.Background()
	s, reg := setup(t)
	foo := types.NewSubject("Foo", types.NSMain)

	id, err := reg.Make(ctx, s, foo, "Foo")
	require.NoError(t, err)
	_, err = reg.Make(ctx, s, foo, "Zed")
	require.NoError(t, err)

	e, err := reg.Get(ctx, s, id)
	require.NoError(t, err)
	assert.Equal(t, "Zed", e.SortKey)
}

func TestMake_SharedAcrossRegistries(t *testing.T) {
	ctx := context.Background()
	s, reg := setup(t)
	foo := types.NewSubject("Foo", types.NSMain)

	// Given: one registry allocated the tuple
	id, err := reg.Make(ctx, s, foo, "")
	require.NoError(t, err)

	// When: a registry with a cold cache makes the same tuple
	other := NewRegistry(NewCache(100))
	got, err := other.Make(ctx, s, foo, "Other")

	// Then: the existing id is returned and the sort key updated
	require.NoError(t, err)
	assert.Equal(t, id, got)
	e, err := reg.Get(ctx, s, id)
	require.NoError(t, err)
	assert.Equal(t, "Other", e.SortKey)
}

func TestSetMarker_MovesCacheEntry(t *testing.T) {
	ctx := context.Background()
	s, reg := setup(t)
	foo := types.NewSubject("Foo", types.NSMain)
	id, err := reg.Make(ctx, s, foo, "")
	require.NoError(t, err)

	require.NoError(t, reg.SetMarker(ctx, s, id, MarkerRedirect))

	plain, err := reg.Find(ctx, s, foo)
	require.NoError(t, err)
	assert.Zero(t, plain, "plain state must no longer resolve")

	found, redirect, err := reg.FindPage(ctx, s, foo)
	require.NoError(t, err)
	assert.Equal(t, id, found)
	assert.True(t, redirect)

	e, err := reg.Get(ctx, s, id)
	require.NoError(t, err)
	assert.Equal(t, MarkerRedirect, e.Marker())
	assert.Equal(t, foo, e.Page())
	assert.Equal(t, Checksum(foo.WithInterwiki(MarkerRedirect)), e.Checksum)

	require.NoError(t, reg.SetMarker(ctx, s, id, MarkerNone))
	plain, err = reg.Find(ctx, s, foo)
	require.NoError(t, err)
	assert.Equal(t, id, plain)
}

func TestSetMarker_RetiredTwiceForSameTitle(t *testing.T) {
	ctx := context.Background()
	s, reg := setup(t)
	foo := types.NewSubject("Foo", types.NSMain)

	// Given: Foo was retired once and then allocated again
	first, err := reg.Make(ctx, s, foo, "")
	require.NoError(t, err)
	require.NoError(t, reg.SetMarker(ctx, s, first, MarkerDelete))
	second, err := reg.Make(ctx, s, foo, "")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// When: the new identifier is retired before any sweep
	require.NoError(t, reg.SetMarker(ctx, s, second, MarkerDelete))

	// Then: both wait for disposal and the plain tuple is free
	marked, err := reg.ListMarked(ctx, s, 0, 10, MarkerDelete)
	require.NoError(t, err)
	require.Len(t, marked, 2)
	assert.Equal(t, first, marked[0].ID)
	assert.Equal(t, second, marked[1].ID)

	plain, err := reg.Find(ctx, s, foo)
	require.NoError(t, err)
	assert.Zero(t, plain)
}

func TestRetired(t *testing.T) {
	assert.True(t, Retired(MarkerDelete))
	assert.True(t, Retired(MarkerOutdated))
	assert.False(t, Retired(MarkerRedirect))
	assert.False(t, Retired(MarkerNone))
}

func TestResolve_FollowsRedirectLink(t *testing.T) {
	ctx := context.Background()
	s, reg := setup(t)
	bar := types.NewSubject("Bar", types.NSMain)
	barID, err := reg.Make(ctx, s, bar, "")
	require.NoError(t, err)
	require.NoError(t, links.SetRedirect(ctx, s, "Foo", types.NSMain, barID))

	id, err := reg.Resolve(ctx, s, types.NewSubject("Foo", types.NSMain))
	require.NoError(t, err)
	assert.Equal(t, barID, id)

	rv := reg.Resolver(s, true)
	id, err = rv.PageID(ctx, types.NewSubject("Foo", types.NSMain))
	require.NoError(t, err)
	assert.Equal(t, barID, id)

	rv = reg.Resolver(s, false)
	id, err = rv.PageID(ctx, types.NewSubject("Foo", types.NSMain))
	require.NoError(t, err)
	assert.NotEqual(t, barID, id, "non-canonical lookup allocates the source itself")
}

func TestTableHashes(t *testing.T) {
	ctx := context.Background()
	s, reg := setup(t)
	id, err := reg.Make(ctx, s, types.NewSubject("Foo", types.NSMain), "")
	require.NoError(t, err)

	hashes, err := reg.TableHashes(ctx, s, id)
	require.NoError(t, err)
	assert.Nil(t, hashes, "new ids have unknown hashes")

	want := map[string]string{"prop_di_blob": "abc"}
	require.NoError(t, reg.SetTableHashes(ctx, s, id, want))
	hashes, err = reg.TableHashes(ctx, s, id)
	require.NoError(t, err)
	assert.Equal(t, want, hashes)

	e, err := reg.Get(ctx, s, id)
	require.NoError(t, err)
	assert.Equal(t, CombinedHash(want), e.Hash)

	_, err = s.ExecContext(ctx, `UPDATE entity_ids SET proptable_hash = '{broken' WHERE id = ?`, id)
	require.NoError(t, err)
	hashes, err = reg.TableHashes(ctx, s, id)
	require.NoError(t, err)
	assert.Nil(t, hashes, "corrupt hashes read as unknown")

	require.NoError(t, reg.SetTableHashes(ctx, s, id, want))
	require.NoError(t, reg.ResetTableHashes(ctx, s, id))
	hashes, err = reg.TableHashes(ctx, s, id)
	require.NoError(t, err)
	assert.Nil(t, hashes)

	_, err = reg.TableHashes(ctx, s, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTouch(t *testing.T) {
	ctx := context.Background()
	s, reg := setup(t)
	a, _ := reg.Make(ctx, s, types.NewSubject("A", types.NSMain), "")
	b, _ := reg.Make(ctx, s, types.NewSubject("B", types.NSMain), "")

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ids := roaring64.New()
	ids.Add(uint64(a))
	require.NoError(t, reg.Touch(ctx, s, ids, at))

	ea, _ := reg.Get(ctx, s, a)
	eb, _ := reg.Get(ctx, s, b)
	assert.True(t, ea.Touched.Equal(at))
	assert.True(t, eb.Touched.IsZero())
}

func TestDeleteAndRename(t *testing.T) {
	ctx := context.Background()
	s, reg := setup(t)
	foo := types.NewSubject("Foo", types.NSMain)
	id, _ := reg.Make(ctx, s, foo, "")

	bar := types.NewSubject("Bar", types.NSMain)
	require.NoError(t, reg.Rename(ctx, s, id, bar, "Bar"))
	got, _ := reg.Find(ctx, s, bar)
	assert.Equal(t, id, got)
	got, _ = reg.Find(ctx, s, foo)
	assert.Zero(t, got)

	require.NoError(t, reg.Delete(ctx, s, id))
	_, err := reg.Get(ctx, s, id)
	assert.ErrorIs(t, err, ErrNotFound)
	got, _ = reg.Find(ctx, s, bar)
	assert.Zero(t, got)

	require.NoError(t, reg.Delete(ctx, s, id), "deleting a missing id is a no-op")
}

func TestSetRevision(t *testing.T) {
	ctx := context.Background()
	s, reg := setup(t)
	id, err := reg.Make(ctx, s, types.NewSubject("Foo", types.NSMain), "")
	require.NoError(t, err)

	require.NoError(t, reg.SetRevision(ctx, s, id, 42))

	e, err := reg.Get(ctx, s, id)
	require.NoError(t, err)
	assert.Equal(t, int64(42), e.Revision)
}

func TestSubobjectsAndListMarked(t *testing.T) {
	ctx := context.Background()
	s, reg := setup(t)
	page := types.NewSubject("Foo", types.NSMain)
	_, _ = reg.Make(ctx, s, page, "")
	sub := page
	sub.Subobject = "s1"
	subID, _ := reg.Make(ctx, s, sub, "")

	subs, err := reg.Subobjects(ctx, s, page)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, subID, subs[0].ID)

	require.NoError(t, reg.SetMarker(ctx, s, subID, MarkerDelete))
	marked, err := reg.ListMarked(ctx, s, 0, 10, MarkerDelete, MarkerOutdated)
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, subID, marked[0].ID)

	marked, err = reg.ListMarked(ctx, s, subID, 10, MarkerDelete)
	require.NoError(t, err)
	assert.Empty(t, marked)

	n, err := reg.Count(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(2)
	c.Set("a", Cached{ID: 1})
	c.Set("b", Cached{ID: 2})
	_, _ = c.Get("a")
	c.Set("c", Cached{ID: 3})

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())

	c.DeleteID(1)
	_, ok = c.Get("a")
	assert.False(t, ok)

	c.Invalidate()
	assert.Zero(t, c.Len())
}

func TestCache_ZeroCapacityDisables(t *testing.T) {
	c := NewCache(0)
	c.Set("a", Cached{ID: 1})
	_, ok := c.Get("a")
	assert.False(t, ok)
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "factstore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func countEntities(t *testing.T, q Querier) int {
	t.Helper()
	var n int
	require.NoError(t, q.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM entity_ids`).Scan(&n))
	return n
}

func insertEntity(ctx context.Context, q Querier, title string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO entity_ids (title, namespace, sortkey) VALUES (?, 0, ?)`, title, title)
	return err
}

func TestStore_NewSQLiteStore(t *testing.T) {
	s := newTestStore(t)

	var journalMode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, s.DB().QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	version, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, version, int64(2))
}

func TestStore_NewSQLiteStore_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "factstore.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
}

func TestWithTx_Commits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		return insertEntity(ctx, tx, "Foo")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countEntities(t, s))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := insertEntity(ctx, tx, "Foo"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countEntities(t, s))
}

func TestWithTx_OnCommitRunsAfterCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var seen int
	err := s.WithTx(ctx, func(tx *Tx) error {
		tx.OnCommit(func(ctx context.Context, q Querier) error {
			seen = countEntities(t, q)
			return nil
		})
		return insertEntity(ctx, tx, "Foo")
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen, "callback should observe committed data")
}

func TestWithTx_OnCommitSkippedOnRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	called := false
	_ = s.WithTx(ctx, func(tx *Tx) error {
		tx.OnCommit(func(context.Context, Querier) error {
			called = true
			return nil
		})
		return errors.New("abort")
	})
	assert.False(t, called)
}

func TestWithTx_OnCommitErrorSurfaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("stats flush failed")

	err := s.WithTx(ctx, func(tx *Tx) error {
		tx.OnCommit(func(context.Context, Querier) error { return boom })
		return insertEntity(ctx, tx, "Foo")
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, countEntities(t, s), "data stays committed")
}

func TestAtomic_SavepointRollsBackOnlyInnerScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := insertEntity(ctx, tx, "Outer"); err != nil {
			return err
		}
		innerErr := s.Atomic(ctx, tx, func(q Querier) error {
			if err := insertEntity(ctx, q, "Inner"); err != nil {
				return err
			}
			return errors.New("inner failure")
		})
		require.Error(t, innerErr)
		return nil
	})
	require.NoError(t, err)

	var title string
	require.NoError(t, s.QueryRowContext(ctx, `SELECT title FROM entity_ids`).Scan(&title))
	assert.Equal(t, "Outer", title)
	assert.Equal(t, 1, countEntities(t, s))
}

func TestAtomic_NestedSavepoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx *Tx) error {
		return s.Atomic(ctx, tx, func(q Querier) error {
			if err := insertEntity(ctx, q, "A"); err != nil {
				return err
			}
			return s.Atomic(ctx, q, func(q Querier) error {
				return insertEntity(ctx, q, "B")
			})
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countEntities(t, s))
}

func TestAtomic_WithoutTransactionOpensOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Atomic(ctx, s, func(q Querier) error {
		_, ok := q.(*Tx)
		assert.True(t, ok, "fn should run inside a transaction")
		if err := insertEntity(ctx, q, "A"); err != nil {
			return err
		}
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.Equal(t, 0, countEntities(t, s))
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{0, ""},
		{1, "?"},
		{3, "?, ?, ?"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Placeholders(tt.n), "n=%d", tt.n)
	}
}

func TestChunk(t *testing.T) {
	ids := []int64{1, 2, 3, 4, 5}

	got := Chunk(ids, 2)
	want := [][]int64{{1, 2}, {3, 4}, {5}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Chunk() = %v, want %v", got, want)
	}
	assert.Nil(t, Chunk(nil, 10))
	assert.Len(t, Chunk(ids, 10), 1)
}

func TestIsUniqueViolation_SQLiteError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, insertEntity(ctx, s, "Foo"))
	err := insertEntity(ctx, s, "Foo")
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/factstore/internal/catalog"
	"github.com/hyperengineering/factstore/internal/datatype"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/stretchr/testify/require"
)

// OpenStore opens a migrated SQLite store in a temporary directory that is
// closed when the test ends.
func OpenStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "factstore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Catalog returns the default catalog and encoder registry.
func Catalog(t testing.TB) (*catalog.Catalog, *datatype.Registry) {
	t.Helper()
	reg := datatype.DefaultRegistry()
	cat, err := catalog.New(reg)
	require.NoError(t, err)
	return cat, reg
}

// CountRows returns the number of rows in table.
func CountRows(t testing.TB, q store.Querier, table string) int {
	t.Helper()
	var n int
	require.NoError(t, q.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

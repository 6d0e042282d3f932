package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hyperengineering/factstore/internal/store"
)

// Verify checks that every declared table exists in the database with all
// of its columns. A subject-keyed table without s_id yields
// ErrNoSubjectColumn; any other gap yields ErrMissingColumn.
func (c *Catalog) Verify(ctx context.Context, q store.Querier) error {
	for _, t := range c.Tables() {
		present, err := tableColumns(ctx, q, t.Name)
		if err != nil {
			return err
		}
		if t.IDSubject && !present[ColSubject] {
			return fmt.Errorf("verify table %s: %w", t.Name, ErrNoSubjectColumn)
		}
		for _, col := range t.ColumnNames() {
			if !present[col] {
				return fmt.Errorf("verify table %s column %s: %w", t.Name, col, ErrMissingColumn)
			}
		}
	}
	return nil
}

func tableColumns(ctx context.Context, q store.Querier, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table info %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// Package dispose finds residual references to identifiers and purges
// identifiers that no table references any more.
package dispose

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hyperengineering/factstore/internal/catalog"
	"github.com/hyperengineering/factstore/internal/links"
	"github.com/hyperengineering/factstore/internal/store"
)

// QueryLinksTable names the query dependency link table in references.
const QueryLinksTable = "query_links"

// Reference locates one row referencing an identifier.
type Reference struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// Finder scans the catalog tables for references.
type Finder struct {
	catalog *catalog.Catalog
}

// NewFinder creates a finder.
func NewFinder(cat *catalog.Catalog) *Finder {
	return &Finder{catalog: cat}
}

// FindReference returns the first table and column holding id as subject,
// property or object, or as a query link endpoint. It stops at the first
// match.
func (f *Finder) FindReference(ctx context.Context, q store.Querier, id int64) (Reference, bool, error) {
	for _, t := range f.catalog.Tables() {
		var cols []string
		if t.IDSubject {
			cols = append(cols, catalog.ColSubject)
		}
		if !t.IsFixed() {
			cols = append(cols, catalog.ColProperty)
		}
		cols = append(cols, t.ObjectColumns()...)

		for _, col := range cols {
			found, err := exists(ctx, q, `SELECT 1 FROM `+t.Name+` WHERE `+col+` = ? LIMIT 1`, id)
			if err != nil {
				return Reference{}, false, fmt.Errorf("find references to %d in %s: %w", id, t.Name, err)
			}
			if found {
				return Reference{Table: t.Name, Column: col}, true, nil
			}
		}
	}

	linked, err := links.HasQueryLink(ctx, q, id)
	if err != nil {
		return Reference{}, false, err
	}
	if linked {
		return Reference{Table: QueryLinksTable}, true, nil
	}
	return Reference{}, false, nil
}

// HasResidualReference reports whether any table still references id.
func (f *Finder) HasResidualReference(ctx context.Context, q store.Querier, id int64) (bool, error) {
	_, found, err := f.FindReference(ctx, q, id)
	return found, err
}

func exists(ctx context.Context, q store.Querier, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

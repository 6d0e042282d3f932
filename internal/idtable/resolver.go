package idtable

import (
	"context"

	"github.com/hyperengineering/factstore/internal/datatype"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

// Resolver adapts a Registry bound to one Querier to datatype.IDResolver.
type Resolver struct {
	reg       *Registry
	q         store.Querier
	canonical bool
}

var _ datatype.IDResolver = (*Resolver)(nil)

// Resolver returns an IDResolver running on q. With canonical set, pages
// that redirect resolve to their target's identifier.
func (r *Registry) Resolver(q store.Querier, canonical bool) *Resolver {
	return &Resolver{reg: r, q: q, canonical: canonical}
}

// PageID returns the identifier of page, allocating a plain one if needed.
func (rv *Resolver) PageID(ctx context.Context, page types.Subject) (int64, error) {
	if rv.canonical {
		id, err := rv.reg.Resolve(ctx, rv.q, page)
		if err != nil || id != 0 {
			return id, err
		}
	} else if page.Interwiki == "" {
		id, _, err := rv.reg.FindPage(ctx, rv.q, page)
		if err != nil || id != 0 {
			return id, err
		}
	}
	return rv.reg.Make(ctx, rv.q, page, "")
}

// PageByID returns the page stored for id with reserved markers stripped.
func (rv *Resolver) PageByID(ctx context.Context, id int64) (types.Subject, error) {
	e, err := rv.reg.Get(ctx, rv.q, id)
	if err != nil {
		return types.Subject{}, err
	}
	return e.Page(), nil
}

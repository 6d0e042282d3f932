// Package rows holds the property table row model: canonical row keys, the
// per-table content hash, reading stored rows and mapping fact-sets to rows.
package rows

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/hyperengineering/factstore/internal/catalog"
	"github.com/hyperengineering/factstore/internal/datatype"
	"github.com/hyperengineering/factstore/internal/store"
)

// HashDomain separates table hashes from other digests. It embeds the
// catalog version, so hashes written under an older layout never match.
const HashDomain = "factstore/proptable/" + catalog.Version

// Row maps column names to canonical values: int64, float64, string or nil.
type Row map[string]any

// Key returns the canonical form of the row. Two rows are equal exactly when
// their keys are equal; values are compared by type and value.
func (r Row) Key() string {
	cols := make([]string, 0, len(r))
	for col := range r {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var b strings.Builder
	for i, col := range cols {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(col)
		b.WriteByte('=')
		writeValue(&b, r[col])
	}
	return b.String()
}

func writeValue(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteByte('n')
	case int64:
		b.WriteByte('i')
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		b.WriteByte('f')
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case string:
		b.WriteByte('s')
		b.WriteString(strconv.Quote(x))
	default:
		fmt.Fprintf(b, "?%T:%v", v, v)
	}
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Int returns the int64 value of col, or 0.
func (r Row) Int(col string) int64 {
	v, _ := r[col].(int64)
	return v
}

// Hash digests a row set independent of row order. An empty set hashes to
// the empty string.
func Hash(rows []Row) string {
	if len(rows) == 0 {
		return ""
	}
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key()
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(HashDomain))
	h.Write([]byte{0x00})
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fetch reads the rows stored in t for subject sid, in canonical form.
func Fetch(ctx context.Context, q store.Querier, t *catalog.Table, sid int64) ([]Row, error) {
	if !t.IDSubject {
		return nil, fmt.Errorf("fetch %s: %w", t.Name, catalog.ErrNoSubjectColumn)
	}
	return Select(ctx, q, t, catalog.ColSubject+" = ?", sid)
}

// Select reads the rows of t matching where, in canonical form.
func Select(ctx context.Context, q store.Querier, t *catalog.Table, where string, args ...any) ([]Row, error) {
	cols := t.Columns()
	query := "SELECT " + strings.Join(t.ColumnNames(), ", ") + " FROM " + t.Name
	if where != "" {
		query += " WHERE " + where
	}
	rs, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", t.Name, err)
	}
	defer rs.Close()

	var out []Row
	for rs.Next() {
		dest := make([]any, len(cols))
		for i, c := range cols {
			dest[i] = scanTarget(c.Kind)
		}
		if err := rs.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.Name, err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c.Name] = canonical(dest[i])
		}
		out = append(out, row)
	}
	return out, rs.Err()
}

func scanTarget(k datatype.FieldKind) any {
	switch k {
	case datatype.KindID, datatype.KindInt, datatype.KindNullInt:
		return new(sql.NullInt64)
	case datatype.KindFloat:
		return new(sql.NullFloat64)
	default:
		return new(sql.NullString)
	}
}

func canonical(v any) any {
	switch x := v.(type) {
	case *sql.NullInt64:
		if x.Valid {
			return x.Int64
		}
	case *sql.NullFloat64:
		if x.Valid {
			return x.Float64
		}
	case *sql.NullString:
		if x.Valid {
			return x.String
		}
	}
	return nil
}

// Package links maintains the two link tables outside the property tables:
// redirect links (source title → target id) and query dependency links.
package links

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hyperengineering/factstore/internal/store"
)

// RedirectSource identifies the page a redirect link starts from.
type RedirectSource struct {
	Title     string
	Namespace int
}

// RedirectTarget returns the target identifier recorded for the source
// page, or 0 when the page does not redirect.
func RedirectTarget(ctx context.Context, q store.Querier, title string, namespace int) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT o_id FROM prop_fpt_redi WHERE s_title = ? AND s_namespace = ?`,
		title, namespace,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get redirect %s:%d: %w", title, namespace, err)
	}
	return id, nil
}

// SetRedirect records or replaces the redirect link of a source page.
func SetRedirect(ctx context.Context, q store.Querier, title string, namespace int, target int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO prop_fpt_redi (s_title, s_namespace, o_id) VALUES (?, ?, ?)
		ON CONFLICT (s_title, s_namespace) DO UPDATE SET o_id = excluded.o_id
	`, title, namespace, target)
	if err != nil {
		return fmt.Errorf("set redirect %s:%d: %w", title, namespace, err)
	}
	return nil
}

// DeleteRedirect removes the redirect link of a source page and reports
// whether one existed.
func DeleteRedirect(ctx context.Context, q store.Querier, title string, namespace int) (bool, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM prop_fpt_redi WHERE s_title = ? AND s_namespace = ?`,
		title, namespace,
	)
	if err != nil {
		return false, fmt.Errorf("delete redirect %s:%d: %w", title, namespace, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete redirect %s:%d: %w", title, namespace, err)
	}
	return n > 0, nil
}

// RedirectSources returns the pages redirecting to target.
func RedirectSources(ctx context.Context, q store.Querier, target int64) ([]RedirectSource, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT s_title, s_namespace FROM prop_fpt_redi WHERE o_id = ? ORDER BY s_title, s_namespace`,
		target,
	)
	if err != nil {
		return nil, fmt.Errorf("list redirect sources of %d: %w", target, err)
	}
	defer rows.Close()

	var out []RedirectSource
	for rows.Next() {
		var src RedirectSource
		if err := rows.Scan(&src.Title, &src.Namespace); err != nil {
			return nil, fmt.Errorf("scan redirect source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// RetargetRedirects points every redirect at from to to instead.
func RetargetRedirects(ctx context.Context, q store.Querier, from, to int64) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE prop_fpt_redi SET o_id = ? WHERE o_id = ?`, to, from)
	if err != nil {
		return 0, fmt.Errorf("retarget redirects %d -> %d: %w", from, to, err)
	}
	return res.RowsAffected()
}

// AddQueryLinks records that the result of query s depends on each object.
func AddQueryLinks(ctx context.Context, q store.Querier, s int64, objects ...int64) error {
	for _, o := range objects {
		if _, err := q.ExecContext(ctx, `INSERT INTO query_links (s_id, o_id) VALUES (?, ?)`, s, o); err != nil {
			return fmt.Errorf("add query link %d -> %d: %w", s, o, err)
		}
	}
	return nil
}

// HasQueryLink reports whether id appears at either end of a query link.
func HasQueryLink(ctx context.Context, q store.Querier, id int64) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM query_links WHERE s_id = ? OR o_id = ? LIMIT 1`, id, id,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check query links of %d: %w", id, err)
	}
	return true, nil
}

// QueryDependents returns the queries whose results depend on o.
func QueryDependents(ctx context.Context, q store.Querier, o int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT s_id FROM query_links WHERE o_id = ? ORDER BY s_id`, o)
	if err != nil {
		return nil, fmt.Errorf("list query dependents of %d: %w", o, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan query dependent: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeleteQueryLinks removes every query link with id at either end.
func DeleteQueryLinks(ctx context.Context, q store.Querier, id int64) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM query_links WHERE s_id = ? OR o_id = ?`, id, id)
	if err != nil {
		return 0, fmt.Errorf("delete query links of %d: %w", id, err)
	}
	return res.RowsAffected()
}

// RetargetQueryLinks rewrites both ends of query links from one id to another.
func RetargetQueryLinks(ctx context.Context, q store.Querier, from, to int64) error {
	if _, err := q.ExecContext(ctx, `UPDATE query_links SET s_id = ? WHERE s_id = ?`, to, from); err != nil {
		return fmt.Errorf("retarget query links %d -> %d: %w", from, to, err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE query_links SET o_id = ? WHERE o_id = ?`, to, from); err != nil {
		return fmt.Errorf("retarget query links %d -> %d: %w", from, to, err)
	}
	return nil
}

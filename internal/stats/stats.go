// Package stats maintains per-property usage counters. Counters only change
// through signed deltas; Recount derives them from a full scan.
package stats

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/factstore/internal/catalog"
	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

// recountConcurrency bounds the number of tables scanned at once.
const recountConcurrency = 4

// Usage is the counter of one property.
type Usage struct {
	PropertyID int64
	Count      int64
}

// Mismatch reports a counter that differs from the recounted value.
type Mismatch struct {
	PropertyID int64
	Stored     int64
	Counted    int64
}

// AddUsageCounts applies signed deltas to the usage counters. Zero deltas
// are ignored.
func AddUsageCounts(ctx context.Context, q store.Querier, deltas map[int64]int64) error {
	pids := make([]int64, 0, len(deltas))
	for pid, d := range deltas {
		if d != 0 {
			pids = append(pids, pid)
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, pid := range pids {
		_, err := q.ExecContext(ctx, `
			INSERT INTO prop_stats (p_id, usage_count) VALUES (?, ?)
			ON CONFLICT (p_id) DO UPDATE SET usage_count = usage_count + excluded.usage_count
		`, pid, deltas[pid])
		if err != nil {
			return fmt.Errorf("add usage count of %d: %w", pid, err)
		}
	}
	return nil
}

// UsageCount returns the counter of pid, 0 when it has none.
func UsageCount(ctx context.Context, q store.Querier, pid int64) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT usage_count FROM prop_stats WHERE p_id = ?), 0)`, pid,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("get usage count of %d: %w", pid, err)
	}
	return n, nil
}

// All returns every counter ordered by property id.
func All(ctx context.Context, q store.Querier) ([]Usage, error) {
	rows, err := q.QueryContext(ctx, `SELECT p_id, usage_count FROM prop_stats ORDER BY p_id`)
	if err != nil {
		return nil, fmt.Errorf("list usage counts: %w", err)
	}
	defer rows.Close()

	var out []Usage
	for rows.Next() {
		var u Usage
		if err := rows.Scan(&u.PropertyID, &u.Count); err != nil {
			return nil, fmt.Errorf("scan usage count: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Delete removes the counter of pid.
func Delete(ctx context.Context, q store.Querier, pid int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM prop_stats WHERE p_id = ?`, pid); err != nil {
		return fmt.Errorf("delete usage count of %d: %w", pid, err)
	}
	return nil
}

// Move folds the counter of from into to.
func Move(ctx context.Context, q store.Querier, from, to int64) error {
	n, err := UsageCount(ctx, q, from)
	if err != nil {
		return err
	}
	if n != 0 {
		if err := AddUsageCounts(ctx, q, map[int64]int64{to: n}); err != nil {
			return err
		}
	}
	return Delete(ctx, q, from)
}

// Counter recounts usage from the property tables.
type Counter struct {
	catalog *catalog.Catalog
	ids     *idtable.Registry
}

// NewCounter creates a counter.
func NewCounter(cat *catalog.Catalog, ids *idtable.Registry) *Counter {
	return &Counter{catalog: cat, ids: ids}
}

// Recount scans every property table and returns the number of stored rows
// per property id. Tables are scanned concurrently.
func (c *Counter) Recount(ctx context.Context, q store.Querier) (map[int64]int64, error) {
	var (
		mu     sync.Mutex
		counts = make(map[int64]int64)
	)
	merge := func(part map[int64]int64) {
		mu.Lock()
		defer mu.Unlock()
		for pid, n := range part {
			counts[pid] += n
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recountConcurrency)
	for _, t := range c.catalog.Tables() {
		g.Go(func() error {
			part, err := c.countTable(gctx, q, t)
			if err != nil {
				return err
			}
			merge(part)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (c *Counter) countTable(ctx context.Context, q store.Querier, t *catalog.Table) (map[int64]int64, error) {
	if t.IsFixed() {
		pid, err := c.ids.Find(ctx, q, types.Property{Key: t.FixedProperty}.Subject())
		if err != nil {
			return nil, err
		}
		var n int64
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.Name).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", t.Name, err)
		}
		if n == 0 {
			return nil, nil
		}
		return map[int64]int64{pid: n}, nil
	}

	rows, err := q.QueryContext(ctx, `SELECT p_id, COUNT(*) FROM `+t.Name+` GROUP BY p_id`)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", t.Name, err)
	}
	defer rows.Close()

	part := make(map[int64]int64)
	for rows.Next() {
		var pid, n int64
		if err := rows.Scan(&pid, &n); err != nil {
			return nil, fmt.Errorf("scan count %s: %w", t.Name, err)
		}
		part[pid] += n
	}
	return part, rows.Err()
}

// Verify compares stored counters with a recount and returns every
// property whose values differ.
func (c *Counter) Verify(ctx context.Context, q store.Querier) ([]Mismatch, error) {
	counted, err := c.Recount(ctx, q)
	if err != nil {
		return nil, err
	}
	stored, err := All(ctx, q)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool)
	var out []Mismatch
	for _, u := range stored {
		seen[u.PropertyID] = true
		if u.Count != counted[u.PropertyID] {
			out = append(out, Mismatch{PropertyID: u.PropertyID, Stored: u.Count, Counted: counted[u.PropertyID]})
		}
	}
	for pid, n := range counted {
		if !seen[pid] && n != 0 {
			out = append(out, Mismatch{PropertyID: pid, Counted: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PropertyID < out[j].PropertyID })
	return out, nil
}

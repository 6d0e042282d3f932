// Package jobs queues deferred re-index requests for pages whose stored
// data can only be repaired by re-parsing them. An external dispatcher
// drains the queue.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/factstore/internal/store"
	"github.com/hyperengineering/factstore/internal/types"
)

// Queue stores update jobs in the update_jobs table. A subject is queued at
// most once until the job is taken.
type Queue struct {
	now func() time.Time
}

// NewQueue creates a queue.
func NewQueue() *Queue {
	return &Queue{now: time.Now}
}

// Push queues a job for each subject and returns the number of new jobs.
func (jq *Queue) Push(ctx context.Context, q store.Querier, reason string, subjects ...types.Subject) (int, error) {
	created := jq.now().UTC().Format(time.RFC3339Nano)
	added := 0
	for _, s := range subjects {
		res, err := q.ExecContext(ctx, `
			INSERT INTO update_jobs (id, title, namespace, interwiki, subobject, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (title, namespace, interwiki, subobject) DO NOTHING
		`, ulid.Make().String(), s.Title, s.Namespace, s.Interwiki, s.Subobject, reason, created)
		if err != nil {
			return added, fmt.Errorf("push update job for %s: %w", s, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	return added, nil
}

// List returns up to limit queued jobs, oldest first.
func (jq *Queue) List(ctx context.Context, q store.Querier, limit int) ([]types.UpdateJob, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, title, namespace, interwiki, subobject, reason, created_at
		FROM update_jobs ORDER BY id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list update jobs: %w", err)
	}
	defer rows.Close()

	var out []types.UpdateJob
	for rows.Next() {
		var (
			j       types.UpdateJob
			created string
		)
		if err := rows.Scan(&j.ID, &j.Subject.Title, &j.Subject.Namespace, &j.Subject.Interwiki,
			&j.Subject.Subobject, &j.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan update job: %w", err)
		}
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, j)
	}
	return out, rows.Err()
}

// Pop removes and returns up to limit jobs, oldest first.
func (jq *Queue) Pop(ctx context.Context, q store.Querier, limit int) ([]types.UpdateJob, error) {
	out, err := jq.List(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	for _, j := range out {
		if _, err := q.ExecContext(ctx, `DELETE FROM update_jobs WHERE id = ?`, j.ID); err != nil {
			return nil, fmt.Errorf("take update job %s: %w", j.ID, err)
		}
	}
	return out, nil
}

// Count returns the number of queued jobs.
func (jq *Queue) Count(ctx context.Context, q store.Querier) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM update_jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count update jobs: %w", err)
	}
	return n, nil
}

// Clear drops every queued job and returns how many were removed.
func (jq *Queue) Clear(ctx context.Context, q store.Querier) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM update_jobs`)
	if err != nil {
		return 0, fmt.Errorf("clear update jobs: %w", err)
	}
	return res.RowsAffected()
}

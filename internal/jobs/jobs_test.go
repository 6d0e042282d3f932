package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/factstore/internal/testutil"
	"github.com/hyperengineering/factstore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PushDeduplicatesSubjects(t *testing.T) {
	ctx := context.Background()
	s := testutil.OpenStore(t)
	q := NewQueue()
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return at }

	foo := types.NewSubject("Foo", types.NSMain)
	bar := types.NewSubject("Bar", types.NSMain)

	n, err := q.Push(ctx, s, "redirect changed", foo, bar)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = q.Push(ctx, s, "again", foo)
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := q.List(ctx, s, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, j := range list {
		_, err := ulid.Parse(j.ID)
		assert.NoError(t, err)
		assert.True(t, j.CreatedAt.Equal(at))
		assert.Equal(t, "redirect changed", j.Reason)
	}
}

func TestQueue_PopAndClear(t *testing.T) {
	ctx := context.Background()
	s := testutil.OpenStore(t)
	q := NewQueue()

	_, err := q.Push(ctx, s, "r", types.NewSubject("A", 0), types.NewSubject("B", 0), types.NewSubject("C", 0))
	require.NoError(t, err)

	taken, err := q.Pop(ctx, s, 2)
	require.NoError(t, err)
	assert.Len(t, taken, 2)

	n, err := q.Count(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cleared, err := q.Clear(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
}

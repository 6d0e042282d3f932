package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/factstore/internal/engine"
	"github.com/hyperengineering/factstore/internal/idtable"
	"github.com/hyperengineering/factstore/internal/redirect"
	"github.com/hyperengineering/factstore/internal/testutil"
	"github.com/hyperengineering/factstore/internal/types"
)

// mockMarkedDisposer serves marked ids from a sorted slice.
type mockMarkedDisposer struct {
	mu      sync.Mutex
	ids     []int64
	calls   []int64
	failAt  int
	failErr error
}

func (m *mockMarkedDisposer) DisposeMarked(ctx context.Context, afterID int64, limit int) (engine.DisposalPass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, afterID)
	if m.failErr != nil && len(m.calls) == m.failAt {
		return engine.DisposalPass{LastID: afterID}, m.failErr
	}
	pass := engine.DisposalPass{LastID: afterID}
	for _, id := range m.ids {
		if id <= afterID {
			continue
		}
		if pass.Scanned == limit {
			break
		}
		pass.LastID = id
		pass.Scanned++
		if id%2 == 0 {
			pass.Disposed++
		}
	}
	return pass, nil
}

func (m *mockMarkedDisposer) getCalls() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.calls...)
}

func TestDisposalCoordinator_WalksAllBatches(t *testing.T) {
	disposer := &mockMarkedDisposer{ids: []int64{2, 3, 5, 8, 13, 21, 34}}
	coord := NewDisposalCoordinator(disposer, time.Hour, 3, 0)

	cycle := coord.RunOnce(context.Background())

	if cycle.Batches != 3 {
		t.Errorf("Batches = %d, want 3", cycle.Batches)
	}
	if cycle.Scanned != 7 {
		t.Errorf("Scanned = %d, want 7", cycle.Scanned)
	}
	if cycle.Disposed != 3 {
		t.Errorf("Disposed = %d, want 3", cycle.Disposed)
	}
	calls := disposer.getCalls()
	want := []int64{0, 5, 21}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d afterID = %d, want %d", i, calls[i], want[i])
		}
	}
}

func TestDisposalCoordinator_StopsOnBatchError(t *testing.T) {
	disposer := &mockMarkedDisposer{
		ids:     []int64{1, 2, 3, 4},
		failAt:  2,
		failErr: errors.New("database is locked"),
	}
	coord := NewDisposalCoordinator(disposer, time.Hour, 2, 0)

	cycle := coord.RunOnce(context.Background())

	if cycle.Batches != 1 || cycle.Scanned != 2 {
		t.Errorf("cycle = %+v, want one completed batch of 2", cycle)
	}
	if got := len(disposer.getCalls()); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestDisposalCoordinator_EmptySweep(t *testing.T) {
	disposer := &mockMarkedDisposer{}
	coord := NewDisposalCoordinator(disposer, time.Hour, 10, 0)

	cycle := coord.RunOnce(context.Background())

	if cycle.Batches != 1 || cycle.Scanned != 0 {
		t.Errorf("cycle = %+v, want a single empty batch", cycle)
	}
}

func TestDisposalCoordinator_RespectsCancellation(t *testing.T) {
	disposer := &mockMarkedDisposer{ids: []int64{1, 2, 3}}
	// One id per second with a burst of one: the second batch must wait.
	coord := NewDisposalCoordinator(disposer, time.Hour, 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cycle := coord.RunOnce(ctx)

	if cycle.Batches != 1 {
		t.Errorf("Batches = %d, want 1 before the limiter blocks", cycle.Batches)
	}
}

func TestDisposalCoordinator_RunStopsOnCancel(t *testing.T) {
	disposer := &mockMarkedDisposer{ids: []int64{1}}
	coord := NewDisposalCoordinator(disposer, 10*time.Millisecond, 5, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(disposer.getCalls()) == 0 {
		select {
		case <-deadline:
			t.Fatal("coordinator never ran a sweep")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestDisposalCoordinator_DisposesEngineLeftovers(t *testing.T) {
	s := testutil.OpenStore(t)
	cat, reg := testutil.Catalog(t)
	e := engine.New(s, cat, reg, engine.Config{})
	ctx := context.Background()
	foo := types.NewSubject("Foo", types.NSMain)
	bar := types.NewSubject("Bar", types.NSMain)

	for _, page := range []types.Subject{foo, bar} {
		fs := types.NewFactSet(page)
		fs.AddValue(types.NewProperty("Name"), types.Blob{Text: page.Title})
		if _, err := e.UpdateData(ctx, fs); err != nil {
			t.Fatalf("UpdateData(%s) error = %v", page, err)
		}
	}
	fooID, err := e.IDs().Find(ctx, s, foo)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	// Moving onto an existing page leaves the source marked for deletion.
	if err := e.MoveIdentity(ctx, foo, bar, redirect.MoveOptions{}); err != nil {
		t.Fatalf("MoveIdentity() error = %v", err)
	}

	cycle := NewDisposalCoordinator(e, time.Hour, 10, 0).RunOnce(ctx)

	if cycle.Disposed != 1 {
		t.Errorf("Disposed = %d, want 1", cycle.Disposed)
	}
	if _, err := e.Entity(ctx, fooID); !errors.Is(err, idtable.ErrNotFound) {
		t.Errorf("Entity(%d) error = %v, want ErrNotFound", fooID, err)
	}
}

package export

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/graph"
	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/store/memory"
)

// mockDestination records calls to Write.
type mockDestination struct {
	mu     sync.Mutex
	writes atomic.Int64
	byID   map[string][]byte
	fail   bool
}

func (d *mockDestination) Write(_ context.Context, graphID string, data []byte) error {
	d.writes.Add(1)
	if d.fail {
		return errors.New("bucket unavailable")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byID == nil {
		d.byID = map[string][]byte{}
	}
	d.byID[graphID] = append([]byte(nil), data...)
	return nil
}

func (d *mockDestination) get(graphID string) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byID[graphID]
}

// brokenSource fails snapshots for one graph.
type brokenSource struct {
	Source
	bad string
}

func (b brokenSource) Snapshot(ctx context.Context, actor model.Actor, graphID string) (*model.GraphSnapshot, error) {
	if graphID == b.bad {
		return nil, errors.New("disk on fire")
	}
	return b.Source.Snapshot(ctx, actor, graphID)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerStartStop(t *testing.T) {
	gs := graph.New(memory.New(), graph.Config{})
	g := seedGraph(t, gs, "Sky")

	dest := &mockDestination{}
	sched := NewScheduler(gs, []Destination{dest}, 50*time.Millisecond, quietLogger())
	sched.Start(context.Background())

	// Wait for at least the initial pass + one tick.
	time.Sleep(120 * time.Millisecond)
	sched.Stop()

	if writes := dest.writes.Load(); writes < 2 {
		t.Fatalf("expected at least 2 writes, got %d", writes)
	}
	data := dest.get(g.ID)
	if len(data) == 0 {
		t.Fatal("expected non-empty data")
	}
	if lines := nonEmptyLines(string(data)); len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d", len(lines))
	}
}

func TestSchedulerRunOnce_SkipsFailedGraph(t *testing.T) {
	gs := graph.New(memory.New(), graph.Config{})
	good := seedGraph(t, gs, "Good")
	bad := seedGraph(t, gs, "Bad")

	ok := &mockDestination{}
	failing := &mockDestination{fail: true}
	sched := NewScheduler(brokenSource{Source: gs, bad: bad.ID}, []Destination{failing, ok}, time.Hour, quietLogger())
	sched.RunOnce(context.Background())

	if ok.get(good.ID) == nil {
		t.Fatalf("good graph was not exported")
	}
	if ok.get(bad.ID) != nil {
		t.Fatalf("bad graph should not be exported")
	}
	// The failing destination does not stop the healthy one.
	if failing.writes.Load() != 1 {
		t.Fatalf("failing destination writes = %d, want 1", failing.writes.Load())
	}
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	gs := graph.New(memory.New(), graph.Config{})
	dest := &mockDestination{}
	sched := NewScheduler(gs, []Destination{dest}, time.Hour, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after context cancel")
	}
}

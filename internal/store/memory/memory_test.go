package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/store"
)

// seedChain creates graph g-1 with nodes root -> a -> b and their edges.
func seedChain(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.CreateGraph(ctx, &model.Graph{ID: "g-1", Title: "t", Version: 1, CreatedAt: now}); err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	parent := ""
	for i, id := range []string{"root", "a", "b"} {
		n := &model.Node{ID: id, GraphID: "g-1", ParentID: parent, Depth: i, Version: 1, Status: model.StatusPending}
		if err := s.CreateNode(ctx, n); err != nil {
			t.Fatalf("CreateNode(%s): %v", id, err)
		}
		if parent != "" {
			e := &model.Edge{ID: "e-" + id, GraphID: "g-1", SourceID: parent, TargetID: id, Type: model.EdgeSpawnedFrom}
			if err := s.CreateEdge(ctx, e); err != nil {
				t.Fatalf("CreateEdge(%s): %v", id, err)
			}
		}
		parent = id
	}
}

func ids(nodes []*model.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestAncestryAndChildren(t *testing.T) {
	s := New()
	seedChain(t, s)
	ctx := context.Background()

	chain, err := s.GetAncestry(ctx, "b")
	if err != nil {
		t.Fatalf("GetAncestry: %v", err)
	}
	if got := ids(chain); len(got) != 3 || got[0] != "root" || got[2] != "b" {
		t.Errorf("ancestry = %v, want [root a b]", got)
	}

	kids, _ := s.ListChildren(ctx, "root")
	if got := ids(kids); len(got) != 1 || got[0] != "a" {
		t.Errorf("children(root) = %v, want [a]", got)
	}

	if _, err := s.GetAncestry(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateNode_CompareAndSwap(t *testing.T) {
	s := New()
	seedChain(t, s)
	ctx := context.Background()

	n, _ := s.GetNode(ctx, "a")
	n.Notes = "first"
	n.Version = 2
	if err := s.UpdateNode(ctx, n, 1); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	n.Notes = "second"
	n.Version = 2
	if err := s.UpdateNode(ctx, n, 1); !errors.Is(err, store.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	got, _ := s.GetNode(ctx, "a")
	if got.Notes != "first" || got.Version != 2 {
		t.Errorf("node = %+v", got)
	}
}

func TestUpdateNode_ReparentMovesIndex(t *testing.T) {
	s := New()
	seedChain(t, s)
	ctx := context.Background()

	b, _ := s.GetNode(ctx, "b")
	b.ParentID = "root"
	b.Version = 2
	if err := s.UpdateNode(ctx, b, 1); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	kids, _ := s.ListChildren(ctx, "root")
	if got := ids(kids); len(got) != 2 {
		t.Errorf("children(root) = %v, want [a b]", got)
	}
	if kids, _ := s.ListChildren(ctx, "a"); len(kids) != 0 {
		t.Errorf("children(a) = %v, want none", ids(kids))
	}
}

func TestRunInTransaction_RollsBackOnError(t *testing.T) {
	s := New()
	seedChain(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		if err := tx.DeleteNode(ctx, "b"); err != nil {
			return err
		}
		n, _ := tx.GetNode(ctx, "a")
		n.Starred = true
		n.Version = 2
		if err := tx.UpdateNode(ctx, n, 1); err != nil {
			return err
		}
		if err := tx.RecordEvent(ctx, &model.Event{GraphID: "g-1", Type: model.EventNodeDeleted}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	nodes, _ := s.ListNodes(ctx, "g-1")
	if len(nodes) != 3 {
		t.Fatalf("nodes after rollback = %v", ids(nodes))
	}
	edges, _ := s.ListEdges(ctx, "g-1")
	if len(edges) != 2 {
		t.Errorf("edges after rollback = %d, want 2", len(edges))
	}
	a, _ := s.GetNode(ctx, "a")
	if a.Starred || a.Version != 1 {
		t.Errorf("node a after rollback = %+v", a)
	}
	kids, _ := s.ListChildren(ctx, "a")
	if got := ids(kids); len(got) != 1 || got[0] != "b" {
		t.Errorf("children(a) after rollback = %v", got)
	}
	if evs, _ := s.ListEvents(ctx, "g-1", 0, 0); len(evs) != 0 {
		t.Errorf("events after rollback = %d", len(evs))
	}
}

func TestDeleteNode_RemovesEdges(t *testing.T) {
	s := New()
	seedChain(t, s)
	ctx := context.Background()

	if err := s.DeleteNode(ctx, "b"); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if _, err := s.GetParentEdge(ctx, "b"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected edge gone, got %v", err)
	}
	if err := s.DeleteNode(ctx, "b"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestDeleteGraph_Cascades(t *testing.T) {
	s := New()
	seedChain(t, s)
	ctx := context.Background()
	_ = s.RecordEvent(ctx, &model.Event{GraphID: "g-1", Type: model.EventGraphUpdated})

	if err := s.DeleteGraph(ctx, "g-1"); err != nil {
		t.Fatalf("DeleteGraph: %v", err)
	}
	if nodes, _ := s.ListNodes(ctx, "g-1"); len(nodes) != 0 {
		t.Errorf("nodes remain: %v", ids(nodes))
	}
	if edges, _ := s.ListEdges(ctx, "g-1"); len(edges) != 0 {
		t.Errorf("edges remain: %d", len(edges))
	}
	if _, err := s.GetGraph(ctx, "g-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListEvents_AfterAndLimit(t *testing.T) {
	s := New()
	seedChain(t, s)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.RecordEvent(ctx, &model.Event{GraphID: "g-1", Type: model.EventGraphUpdated}); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}
	evs, _ := s.ListEvents(ctx, "g-1", 2, 2)
	if len(evs) != 2 || evs[0].ID != 3 || evs[1].ID != 4 {
		t.Errorf("events = %+v", evs)
	}
}

func TestListNodesByStatus(t *testing.T) {
	s := New()
	seedChain(t, s)
	ctx := context.Background()

	a, _ := s.GetNode(ctx, "a")
	a.Status = model.StatusStreaming
	a.Version = 2
	_ = s.UpdateNode(ctx, a, 1)

	got, _ := s.ListNodesByStatus(ctx, model.StatusStreaming)
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("streaming = %v", ids(got))
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := New()
	seedChain(t, s)
	ctx := context.Background()

	n, _ := s.GetNode(ctx, "a")
	n.Notes = "mutated"
	again, _ := s.GetNode(ctx, "a")
	if again.Notes != "" {
		t.Error("GetNode returned shared state")
	}
}

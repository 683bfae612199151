package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/graph"
	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/store/memory"
)

var owner = model.Actor{UserID: "u-1", Role: model.RoleOwner}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// seedGraph creates a graph with a root, one branch and a link.
func seedGraph(t *testing.T, gs *graph.Store, title string) *model.Graph {
	t.Helper()
	ctx := context.Background()
	g, err := gs.CreateGraph(ctx, owner, title)
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	root, err := gs.CreateRootNode(ctx, owner, g.ID, "Why is the sky blue?", "echo", nil)
	if err != nil {
		t.Fatalf("CreateRootNode: %v", err)
	}
	child, err := gs.CreateChildNode(ctx, owner, graph.ChildInput{ParentID: root.ID, Prompt: "And sunsets?", Model: "echo"})
	if err != nil {
		t.Fatalf("CreateChildNode: %v", err)
	}
	if _, err := gs.AddLink(ctx, owner, child.ID, root.ID); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	return g
}

func TestWriteJSONL_Empty(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := &model.GraphSnapshot{Graph: &model.Graph{ID: "g-empty", Title: "Empty"}}

	var buf bytes.Buffer
	if err := WriteJSONL(snap, now, &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := nonEmptyLines(buf.String())
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines (header + graph), got %d", len(lines))
	}
	var h header
	if err := json.Unmarshal([]byte(lines[0]), &h); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	if h.Version != "1" || h.Type != "header" || h.GraphID != "g-empty" || h.NodeCount != 0 || h.EdgeCount != 0 {
		t.Fatalf("unexpected header: %+v", h)
	}
	if !h.Timestamp.Equal(now) {
		t.Fatalf("timestamp = %v, want %v", h.Timestamp, now)
	}
}

func TestExportGraph(t *testing.T) {
	gs := graph.New(memory.New(), graph.Config{})
	g := seedGraph(t, gs, "Sky")

	var buf bytes.Buffer
	if err := ExportGraph(context.Background(), gs, owner, g.ID, &buf); err != nil {
		t.Fatalf("ExportGraph: %v", err)
	}

	lines := nonEmptyLines(buf.String())
	// header + graph + 2 nodes + parent edge + link edge
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d:\n%s", len(lines), buf.String())
	}

	var types []string
	var depths []int
	for _, l := range lines[1:] {
		var rec struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal([]byte(l), &rec); err != nil {
			t.Fatalf("unmarshal record: %v", err)
		}
		types = append(types, rec.Type)
		if rec.Type == "node" {
			var n model.Node
			if err := json.Unmarshal(rec.Data, &n); err != nil {
				t.Fatalf("unmarshal node: %v", err)
			}
			depths = append(depths, n.Depth)
		}
	}
	want := []string{"graph", "node", "node", "edge", "edge"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("record types = %v, want %v", types, want)
	}
	if len(depths) != 2 || depths[0] != 0 || depths[1] != 1 {
		t.Fatalf("node depths = %v, want [0 1]", depths)
	}
}

func TestExportGraph_NotFound(t *testing.T) {
	gs := graph.New(memory.New(), graph.Config{})
	err := ExportGraph(context.Background(), gs, owner, "g-missing", &bytes.Buffer{})
	if model.KindOf(err) != model.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	var me *model.Error
	if !errors.As(err, &me) {
		t.Fatalf("expected *model.Error in chain, got %T", err)
	}
}

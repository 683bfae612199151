// Package export writes graphs as JSONL and ships them to backup
// destinations on a schedule.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// Source is the read side of the graph store needed for export.
type Source interface {
	ListGraphs(ctx context.Context, actor model.Actor) ([]*model.Graph, error)
	Snapshot(ctx context.Context, actor model.Actor, graphID string) (*model.GraphSnapshot, error)
}

// header is the first JSONL record written by WriteJSONL.
type header struct {
	Version   string    `json:"version"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	GraphID   string    `json:"graph_id"`
	NodeCount int       `json:"node_count"`
	EdgeCount int       `json:"edge_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// WriteJSONL writes one graph snapshot to w: a header, the graph, its nodes
// ordered by depth then id, and its edges ordered by id.
func WriteJSONL(snap *model.GraphSnapshot, now time.Time, w io.Writer) error {
	nodes := append([]*model.Node(nil), snap.Nodes...)
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Depth != nodes[j].Depth {
			return nodes[i].Depth < nodes[j].Depth
		}
		return nodes[i].ID < nodes[j].ID
	})
	edges := append([]*model.Edge(nil), snap.Edges...)
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].ID < edges[j].ID
	})

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:   "1",
		Type:      "header",
		Timestamp: now.UTC(),
		GraphID:   snap.Graph.ID,
		NodeCount: len(nodes),
		EdgeCount: len(edges),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	if err := enc.Encode(record{Type: "graph", Data: snap.Graph}); err != nil {
		return fmt.Errorf("encode graph %s: %w", snap.Graph.ID, err)
	}
	for _, n := range nodes {
		if err := enc.Encode(record{Type: "node", Data: n}); err != nil {
			return fmt.Errorf("encode node %s: %w", n.ID, err)
		}
	}
	for _, e := range edges {
		if err := enc.Encode(record{Type: "edge", Data: e}); err != nil {
			return fmt.Errorf("encode edge %s: %w", e.ID, err)
		}
	}
	return nil
}

// ExportGraph reads graphID from src and writes it as JSONL to w.
func ExportGraph(ctx context.Context, src Source, actor model.Actor, graphID string, w io.Writer) error {
	snap, err := src.Snapshot(ctx, actor, graphID)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", graphID, err)
	}
	return WriteJSONL(snap, time.Now(), w)
}

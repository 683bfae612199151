package graph

import (
	"context"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// GetGraph returns a graph by id.
func (s *Store) GetGraph(ctx context.Context, actor model.Actor, id string) (*model.Graph, error) {
	if err := authorizeRead(actor, id); err != nil {
		return nil, err
	}
	g, err := s.db.GetGraph(ctx, id)
	if err != nil {
		return nil, mapErr(err, "graph", id)
	}
	return g, nil
}

// ListGraphs returns every graph visible to actor.
func (s *Store) ListGraphs(ctx context.Context, actor model.Actor) ([]*model.Graph, error) {
	if actor.GraphID != "" {
		g, err := s.GetGraph(ctx, actor, actor.GraphID)
		if err != nil {
			return nil, err
		}
		return []*model.Graph{g}, nil
	}
	return s.db.ListGraphs(ctx)
}

// GetNode returns a node by id.
func (s *Store) GetNode(ctx context.Context, actor model.Actor, id string) (*model.Node, error) {
	n, err := s.db.GetNode(ctx, id)
	if err != nil {
		return nil, mapErr(err, "node", id)
	}
	if err := authorizeRead(actor, n.GraphID); err != nil {
		return nil, err
	}
	return n, nil
}

// GetChildren returns the direct children of a node in creation order.
func (s *Store) GetChildren(ctx context.Context, actor model.Actor, id string) ([]*model.Node, error) {
	if _, err := s.GetNode(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.db.ListChildren(ctx, id)
}

// GetAncestryChain returns the nodes from the root down to id, inclusive,
// read from one consistent snapshot.
func (s *Store) GetAncestryChain(ctx context.Context, actor model.Actor, id string) ([]*model.Node, error) {
	chain, err := s.db.GetAncestry(ctx, id)
	if err != nil {
		return nil, mapErr(err, "node", id)
	}
	if err := authorizeRead(actor, chain[0].GraphID); err != nil {
		return nil, err
	}
	return chain, nil
}

// ListNodes returns every node of a graph.
func (s *Store) ListNodes(ctx context.Context, actor model.Actor, graphID string) ([]*model.Node, error) {
	if _, err := s.GetGraph(ctx, actor, graphID); err != nil {
		return nil, err
	}
	return s.db.ListNodes(ctx, graphID)
}

// ListEdges returns every edge of a graph.
func (s *Store) ListEdges(ctx context.Context, actor model.Actor, graphID string) ([]*model.Edge, error) {
	if _, err := s.GetGraph(ctx, actor, graphID); err != nil {
		return nil, err
	}
	return s.db.ListEdges(ctx, graphID)
}

// ListEvents returns persisted events of a graph with id > afterID.
func (s *Store) ListEvents(ctx context.Context, actor model.Actor, graphID string, afterID int64, limit int) ([]*model.Event, error) {
	if _, err := s.GetGraph(ctx, actor, graphID); err != nil {
		return nil, err
	}
	return s.db.ListEvents(ctx, graphID, afterID, limit)
}

// Snapshot returns the graph with all of its nodes and edges.
func (s *Store) Snapshot(ctx context.Context, actor model.Actor, graphID string) (*model.GraphSnapshot, error) {
	g, err := s.GetGraph(ctx, actor, graphID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.db.ListNodes(ctx, graphID)
	if err != nil {
		return nil, err
	}
	edges, err := s.db.ListEdges(ctx, graphID)
	if err != nil {
		return nil, err
	}
	return &model.GraphSnapshot{Graph: g, Nodes: nodes, Edges: edges}, nil
}

// NodesInStatus returns nodes across all graphs in any of the given statuses.
// It is used by startup reconciliation and is not actor scoped.
func (s *Store) NodesInStatus(ctx context.Context, statuses ...model.Status) ([]*model.Node, error) {
	return s.db.ListNodesByStatus(ctx, statuses...)
}

// WritableNode returns the node when actor may mutate it. Callers outside the
// store that change node state on an actor's behalf check through here.
func (s *Store) WritableNode(ctx context.Context, actor model.Actor, id string) (*model.Node, error) {
	n, err := s.GetNode(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(actor, n.GraphID); err != nil {
		return nil, err
	}
	return n, nil
}

package graph

import (
	"context"

	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/store"
)

// UpdateNode applies a user annotation edit. Status and response are never
// touched here. A stale expectedVersion fails with a conflict error carrying
// the version currently stored.
func (s *Store) UpdateNode(ctx context.Context, actor model.Actor, nodeID string, expectedVersion int64, u model.NodeUpdate) (*model.Node, error) {
	if err := model.ValidateUpdate(u); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(nodeKey(nodeID))
	defer unlock()

	var node *model.Node
	err := s.commit(ctx, func(tx store.Store, rec *recorder) error {
		n, err := tx.GetNode(ctx, nodeID)
		if err != nil {
			return mapErr(err, "node", nodeID)
		}
		if err := authorize(actor, n.GraphID); err != nil {
			return err
		}
		if n.Version != expectedVersion {
			return model.Conflict("node", nodeID, expectedVersion, n.Version)
		}
		u.Apply(n)
		n.Version++
		n.UpdatedAt = s.now()
		if err := writeNode(ctx, tx, n, expectedVersion); err != nil {
			return err
		}
		rec.add(n.GraphID, model.EventNodeContentUpdated, n.ID, n.Version, actor.UserID, u)
		node = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// UpdateGraph renames a graph under optimistic locking.
func (s *Store) UpdateGraph(ctx context.Context, actor model.Actor, graphID string, expectedVersion int64, title string) (*model.Graph, error) {
	if err := authorize(actor, graphID); err != nil {
		return nil, err
	}
	if err := model.ValidateTitle(title); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(graphKey(graphID))
	defer unlock()

	var graph *model.Graph
	err := s.commit(ctx, func(tx store.Store, rec *recorder) error {
		g, err := tx.GetGraph(ctx, graphID)
		if err != nil {
			return mapErr(err, "graph", graphID)
		}
		if g.Version != expectedVersion {
			return model.Conflict("graph", graphID, expectedVersion, g.Version)
		}
		g.Title = title
		if err := s.bumpGraph(ctx, tx, rec, g, actor.UserID); err != nil {
			return err
		}
		graph = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return graph, nil
}

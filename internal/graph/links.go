package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/alfredjeanlab/convgraph/internal/idgen"
	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/store"
)

// AddLink creates a free-form link edge between two nodes of one graph.
// Links sit outside the tree invariant and may point anywhere, including
// back up the tree.
func (s *Store) AddLink(ctx context.Context, actor model.Actor, sourceID, targetID string) (*model.Edge, error) {
	if sourceID == targetID {
		return nil, model.Errorf(model.KindValidation, "cannot link node %s to itself", sourceID)
	}
	src, err := s.GetNode(ctx, actor, sourceID)
	if err != nil {
		return nil, err
	}
	dst, err := s.GetNode(ctx, actor, targetID)
	if err != nil {
		return nil, err
	}
	if src.GraphID != dst.GraphID {
		return nil, model.Errorf(model.KindValidation, "nodes %s and %s belong to different graphs", sourceID, targetID)
	}
	graphID := src.GraphID
	if err := authorize(actor, graphID); err != nil {
		return nil, err
	}
	id, err := newID(idgen.KindEdge)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(graphKey(graphID))
	defer unlock()

	var edge *model.Edge
	err = s.commit(ctx, func(tx store.Store, rec *recorder) error {
		if _, err := tx.FindEdge(ctx, sourceID, targetID, model.EdgeLink); err == nil {
			return model.Errorf(model.KindValidation, "link %s -> %s already exists", sourceID, targetID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("find edge: %w", err)
		}
		g, err := tx.GetGraph(ctx, graphID)
		if err != nil {
			return mapErr(err, "graph", graphID)
		}
		edge = &model.Edge{
			ID:        id,
			GraphID:   graphID,
			SourceID:  sourceID,
			TargetID:  targetID,
			Type:      model.EdgeLink,
			CreatedAt: s.now(),
		}
		if err := tx.CreateEdge(ctx, edge); err != nil {
			return mapErr(err, "node", sourceID)
		}
		rec.add(graphID, model.EventEdgeLinked, sourceID, 0, actor.UserID, edge)
		return s.bumpGraph(ctx, tx, rec, g, actor.UserID)
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// RemoveLink deletes the link edge from sourceID to targetID.
func (s *Store) RemoveLink(ctx context.Context, actor model.Actor, sourceID, targetID string) error {
	src, err := s.GetNode(ctx, actor, sourceID)
	if err != nil {
		return err
	}
	graphID := src.GraphID
	if err := authorize(actor, graphID); err != nil {
		return err
	}

	unlock := s.locks.Lock(graphKey(graphID))
	defer unlock()

	return s.commit(ctx, func(tx store.Store, rec *recorder) error {
		edge, err := tx.FindEdge(ctx, sourceID, targetID, model.EdgeLink)
		if err != nil {
			return mapErr(err, "link", sourceID+"->"+targetID)
		}
		if err := tx.DeleteEdge(ctx, edge.ID); err != nil {
			return mapErr(err, "edge", edge.ID)
		}
		g, err := tx.GetGraph(ctx, graphID)
		if err != nil {
			return mapErr(err, "graph", graphID)
		}
		rec.add(graphID, model.EventEdgeUnlinked, sourceID, 0, actor.UserID, edge)
		return s.bumpGraph(ctx, tx, rec, g, actor.UserID)
	})
}

package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/store"
)

// childIndex maps a parent id to its children in list order.
func childIndex(nodes []*model.Node) map[string][]*model.Node {
	idx := make(map[string][]*model.Node, len(nodes))
	for _, n := range nodes {
		if n.ParentID != "" {
			idx[n.ParentID] = append(idx[n.ParentID], n)
		}
	}
	return idx
}

// subtree returns rootID and every descendant, parents before children.
func subtree(idx map[string][]*model.Node, rootID string) []string {
	out := []string{rootID}
	for i := 0; i < len(out); i++ {
		for _, c := range idx[out[i]] {
			out = append(out, c.ID)
		}
	}
	return out
}

// DeleteNode removes a node. With cascade the whole subtree goes; without it
// the node's direct children are re-parented to its parent and every moved
// node's depth shrinks by one. A root can only be removed without cascade
// when it has at most one child, which then becomes the new root.
func (s *Store) DeleteNode(ctx context.Context, actor model.Actor, nodeID string, cascade bool) error {
	target, err := s.GetNode(ctx, actor, nodeID)
	if err != nil {
		return err
	}
	graphID := target.GraphID
	if err := authorize(actor, graphID); err != nil {
		return err
	}

	unlockGraph := s.locks.Lock(graphKey(graphID))
	defer unlockGraph()

	all, err := s.db.ListNodes(ctx, graphID)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	affected := subtree(childIndex(all), nodeID)
	keys := make([]string, len(affected))
	for i, id := range affected {
		keys[i] = nodeKey(id)
	}
	unlockNodes := s.locks.LockAll(keys...)
	defer unlockNodes()

	var removed int
	err = s.commit(ctx, func(tx store.Store, rec *recorder) error {
		g, err := tx.GetGraph(ctx, graphID)
		if err != nil {
			return mapErr(err, "graph", graphID)
		}
		all, err := tx.ListNodes(ctx, graphID)
		if err != nil {
			return fmt.Errorf("list nodes: %w", err)
		}
		byID := make(map[string]*model.Node, len(all))
		for _, n := range all {
			byID[n.ID] = n
		}
		target, ok := byID[nodeID]
		if !ok {
			return model.NotFound("node", nodeID)
		}
		idx := childIndex(all)

		gone := map[string]bool{}
		if cascade {
			ids := subtree(idx, nodeID)
			for i := len(ids) - 1; i >= 0; i-- {
				if err := tx.DeleteNode(ctx, ids[i]); err != nil {
					return mapErr(err, "node", ids[i])
				}
				gone[ids[i]] = true
				rec.deleted = append(rec.deleted, ids[i])
				rec.add(graphID, model.EventNodeDeleted, ids[i], 0, actor.UserID, nil)
			}
			if target.IsRoot() {
				g.RootNodeID = ""
			}
		} else {
			if err := s.reparentChildren(ctx, tx, rec, actor, g, target, idx, byID); err != nil {
				return err
			}
			if err := tx.DeleteNode(ctx, nodeID); err != nil {
				return mapErr(err, "node", nodeID)
			}
			gone[nodeID] = true
			rec.deleted = append(rec.deleted, nodeID)
			rec.add(graphID, model.EventNodeDeleted, nodeID, 0, actor.UserID, nil)
		}
		removed = len(gone)

		g.Stats = model.GraphStats{}
		for _, n := range all {
			if gone[n.ID] {
				continue
			}
			g.Stats.NodeCount++
			if n.Depth > g.Stats.MaxDepth {
				g.Stats.MaxDepth = n.Depth
			}
		}
		return s.bumpGraph(ctx, tx, rec, g, actor.UserID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("node deleted", "graph", graphID, "node", nodeID, "cascade", cascade, "removed", removed)
	return nil
}

// reparentChildren moves the children of target under target's parent, or
// promotes the single child of a root. Depths are updated in place on the
// nodes of byID so the caller can recompute stats.
func (s *Store) reparentChildren(ctx context.Context, tx store.Store, rec *recorder, actor model.Actor, g *model.Graph, target *model.Node, idx map[string][]*model.Node, byID map[string]*model.Node) error {
	kids := idx[target.ID]
	if target.IsRoot() {
		switch len(kids) {
		case 0:
			g.RootNodeID = ""
			return nil
		case 1:
		default:
			return model.Errorf(model.KindValidation,
				"root %s has %d children; delete with cascade or remove branches first", target.ID, len(kids))
		}
	} else if max := s.limits.MaxChildren; max > 0 {
		if after := len(idx[target.ParentID]) - 1 + len(kids); after > max {
			return model.Errorf(model.KindValidation,
				"moving %d children of %s would give %s %d children (max %d); delete with cascade instead",
				len(kids), target.ID, target.ParentID, after, max)
		}
	}

	now := s.now()
	for _, kid := range kids {
		edge, err := tx.GetParentEdge(ctx, kid.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("parent edge of %s: %w", kid.ID, err)
		}

		kid.ParentID = target.ParentID
		if target.IsRoot() {
			kid.SpawnedFrom = nil
			g.RootNodeID = kid.ID
			if edge != nil {
				if err := tx.DeleteEdge(ctx, edge.ID); err != nil {
					return mapErr(err, "edge", edge.ID)
				}
			}
		} else {
			// The anchor pointed into the deleted node's text and cannot
			// be located in the new parent.
			if kid.SpawnedFrom != nil {
				kid.SpawnedFrom.NodeID = target.ParentID
				kid.SpawnedFrom.Range = nil
				kid.SpawnedFrom.Unresolved = kid.SpawnedFrom.Anchor != nil
			}
			if edge != nil {
				edge.SourceID = target.ParentID
				if err := tx.UpdateEdge(ctx, edge); err != nil {
					return mapErr(err, "edge", edge.ID)
				}
			}
		}

		for _, id := range subtree(idx, kid.ID) {
			n := byID[id]
			base := n.Version
			n.Depth--
			n.Version++
			n.UpdatedAt = now
			if err := writeNode(ctx, tx, n, base); err != nil {
				return err
			}
		}
		rec.add(g.ID, model.EventNodeContentUpdated, kid.ID, kid.Version, actor.UserID,
			map[string]any{"parent_id": kid.ParentID, "depth": kid.Depth})
	}
	return nil
}

// DeleteGraph removes a graph with all of its nodes, edges and events.
func (s *Store) DeleteGraph(ctx context.Context, actor model.Actor, graphID string) error {
	if err := authorize(actor, graphID); err != nil {
		return err
	}

	unlock := s.locks.Lock(graphKey(graphID))
	defer unlock()

	var ids []string
	err := s.db.RunInTransaction(ctx, func(tx store.Store) error {
		nodes, err := tx.ListNodes(ctx, graphID)
		if err != nil {
			return fmt.Errorf("list nodes: %w", err)
		}
		for _, n := range nodes {
			ids = append(ids, n.ID)
		}
		return mapErr(tx.DeleteGraph(ctx, graphID), "graph", graphID)
	})
	if err != nil {
		return err
	}

	// The event log goes with the graph, so this one is delivered live only.
	s.notifier.Notify(ctx, &model.Event{
		GraphID:   graphID,
		Type:      model.EventGraphUpdated,
		Actor:     actor.UserID,
		Payload:   []byte(`{"deleted":true}`),
		CreatedAt: s.now(),
	})
	if len(ids) > 0 && s.onDeleted != nil {
		s.onDeleted(ids)
	}
	s.logger.Info("graph deleted", "graph", graphID, "nodes", len(ids))
	return nil
}

package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/convgraph/internal/anchor"
	"github.com/alfredjeanlab/convgraph/internal/idgen"
	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/store"
)

// ChildInput describes a branch to create under an existing node.
type ChildInput struct {
	ParentID   string
	Anchor     *model.TextAnchor
	Prompt     string
	Model      string
	Parameters json.RawMessage
	// AllowUnresolved keeps the branch when the anchor cannot be located,
	// marking it unresolved instead of failing.
	AllowUnresolved bool
}

// CreateGraph creates an empty graph owned by actor.
func (s *Store) CreateGraph(ctx context.Context, actor model.Actor, title string) (*model.Graph, error) {
	if !actor.Role.CanWrite() {
		return nil, model.Errorf(model.KindForbidden, "role %q is read-only", actor.Role)
	}
	if err := model.ValidateTitle(title); err != nil {
		return nil, err
	}
	id, err := newID(idgen.KindGraph)
	if err != nil {
		return nil, err
	}
	now := s.now()
	g := &model.Graph{
		ID:        id,
		Title:     title,
		OwnerID:   actor.UserID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.commit(ctx, func(tx store.Store, rec *recorder) error {
		if err := tx.CreateGraph(ctx, g); err != nil {
			return fmt.Errorf("create graph: %w", err)
		}
		rec.add(g.ID, model.EventGraphUpdated, "", g.Version, actor.UserID, g.Stats)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("graph created", "graph", g.ID, "owner", actor.UserID)
	return g, nil
}

// CreateRootNode creates the root of graphID. A graph has at most one root.
func (s *Store) CreateRootNode(ctx context.Context, actor model.Actor, graphID, prompt, modelID string, params json.RawMessage) (*model.Node, error) {
	if err := authorize(actor, graphID); err != nil {
		return nil, err
	}
	if err := model.ValidateRequest(prompt, modelID, params, s.limits); err != nil {
		return nil, err
	}
	id, err := newID(idgen.KindNode)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(graphKey(graphID))
	defer unlock()

	var node *model.Node
	err = s.commit(ctx, func(tx store.Store, rec *recorder) error {
		g, err := tx.GetGraph(ctx, graphID)
		if err != nil {
			return mapErr(err, "graph", graphID)
		}
		if g.RootNodeID != "" {
			return model.Errorf(model.KindValidation, "graph %s already has root %s", graphID, g.RootNodeID)
		}
		if s.limits.MaxNodes > 0 && g.Stats.NodeCount >= s.limits.MaxNodes {
			return model.Errorf(model.KindValidation, "graph %s is full (%d nodes)", graphID, g.Stats.NodeCount)
		}

		now := s.now()
		node = &model.Node{
			ID:      id,
			GraphID: graphID,
			Version: 1,
			Status:  model.StatusPending,
			Request: model.Request{
				Prompt:     prompt,
				Model:      modelID,
				Parameters: params,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.CreateNode(ctx, node); err != nil {
			return fmt.Errorf("create node: %w", err)
		}
		rec.add(graphID, model.EventNodeCreated, node.ID, node.Version, actor.UserID, node)

		g.RootNodeID = node.ID
		g.Stats.NodeCount++
		return s.bumpGraph(ctx, tx, rec, g, actor.UserID)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("root node created", "graph", graphID, "node", node.ID)
	return node, nil
}

// CreateChildNode branches off in.ParentID. The anchor is resolved against
// the parent's response text; the node, its spawned_from edge, and the graph
// stats bump commit as one unit.
func (s *Store) CreateChildNode(ctx context.Context, actor model.Actor, in ChildInput) (*model.Node, error) {
	if err := model.ValidateRequest(in.Prompt, in.Model, in.Parameters, s.limits); err != nil {
		return nil, err
	}
	if err := model.ValidateAnchor(in.Anchor); err != nil {
		return nil, err
	}

	parent, err := s.GetNode(ctx, actor, in.ParentID)
	if err != nil {
		return nil, err
	}
	graphID := parent.GraphID
	if err := authorize(actor, graphID); err != nil {
		return nil, err
	}

	nodeID, err := newID(idgen.KindNode)
	if err != nil {
		return nil, err
	}
	edgeID, err := newID(idgen.KindEdge)
	if err != nil {
		return nil, err
	}

	unlockGraph := s.locks.Lock(graphKey(graphID))
	defer unlockGraph()
	unlockParent := s.locks.Lock(nodeKey(in.ParentID))
	defer unlockParent()

	var node *model.Node
	err = s.commit(ctx, func(tx store.Store, rec *recorder) error {
		g, err := tx.GetGraph(ctx, graphID)
		if err != nil {
			return mapErr(err, "graph", graphID)
		}
		chain, err := tx.GetAncestry(ctx, in.ParentID)
		if err != nil {
			return mapErr(err, "node", in.ParentID)
		}
		parent := chain[len(chain)-1]
		if parent.GraphID != graphID {
			return model.NotFound("node", in.ParentID)
		}
		siblings, err := tx.ListChildren(ctx, parent.ID)
		if err != nil {
			return fmt.Errorf("list children: %w", err)
		}
		if err := s.checkLimits(g, parent, len(siblings)); err != nil {
			return err
		}

		spawned, err := spawnedFrom(parent, in)
		if err != nil {
			return err
		}

		now := s.now()
		node = &model.Node{
			ID:       nodeID,
			GraphID:  graphID,
			ParentID: parent.ID,
			Depth:    parent.Depth + 1,
			Version:  1,
			Status:   model.StatusPending,
			Request: model.Request{
				Prompt:     in.Prompt,
				Model:      in.Model,
				Messages:   BuildMessages(chain, spawned),
				Parameters: in.Parameters,
			},
			SpawnedFrom: spawned,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateNode(ctx, node); err != nil {
			return fmt.Errorf("create node: %w", err)
		}
		edge := &model.Edge{
			ID:        edgeID,
			GraphID:   graphID,
			SourceID:  parent.ID,
			TargetID:  node.ID,
			Type:      model.EdgeSpawnedFrom,
			CreatedAt: now,
		}
		if err := tx.CreateEdge(ctx, edge); err != nil {
			return fmt.Errorf("create edge: %w", err)
		}
		rec.add(graphID, model.EventNodeCreated, node.ID, node.Version, actor.UserID, node)

		g.Stats.NodeCount++
		if node.Depth > g.Stats.MaxDepth {
			g.Stats.MaxDepth = node.Depth
		}
		return s.bumpGraph(ctx, tx, rec, g, actor.UserID)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("child node created",
		"graph", graphID, "node", node.ID, "parent", in.ParentID,
		"depth", node.Depth, "unresolved", node.SpawnedFrom != nil && node.SpawnedFrom.Unresolved)
	return node, nil
}

func (s *Store) checkLimits(g *model.Graph, parent *model.Node, children int) error {
	var ve model.ValidationError
	if s.limits.MaxChildren > 0 && children >= s.limits.MaxChildren {
		ve.Add("parent_id", "node %s already has %d children (max %d)", parent.ID, children, s.limits.MaxChildren)
	}
	if s.limits.MaxDepth > 0 && parent.Depth+1 > s.limits.MaxDepth {
		ve.Add("parent_id", "depth %d exceeds max %d", parent.Depth+1, s.limits.MaxDepth)
	}
	if s.limits.MaxNodes > 0 && g.Stats.NodeCount >= s.limits.MaxNodes {
		ve.Add("graph_id", "graph %s is full (%d nodes)", g.ID, g.Stats.NodeCount)
	}
	return ve.Err()
}

// spawnedFrom resolves the branch anchor against the parent response.
func spawnedFrom(parent *model.Node, in ChildInput) (*model.SpawnedFrom, error) {
	sf := &model.SpawnedFrom{NodeID: parent.ID}
	if in.Anchor == nil {
		return sf, nil
	}
	a := in.Anchor.Clone()
	sf.Anchor = &a

	r, err := anchor.Resolve(parent.Response.TextMarkdown, a)
	if err != nil {
		if model.IsKind(err, model.KindAnchorUnresolved) && in.AllowUnresolved {
			sf.Unresolved = true
			return sf, nil
		}
		return nil, err
	}
	sf.Range = &r
	return sf, nil
}

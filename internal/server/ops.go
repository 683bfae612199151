package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/alfredjeanlab/convgraph/internal/dispatch"
	"github.com/alfredjeanlab/convgraph/internal/graph"
	"github.com/alfredjeanlab/convgraph/internal/model"
)

// Inputs shared by the HTTP handlers and the gRPC methods. Field names
// follow the JSON wire format of both.

type createGraphInput struct {
	Title string `json:"title" validate:"required"`
}

type updateGraphInput struct {
	Title           string `json:"title" validate:"required"`
	ExpectedVersion int64  `json:"expected_version" validate:"required,min=1"`
}

type createNodeInput struct {
	GraphID         string            `json:"graph_id" validate:"required"`
	ParentID        string            `json:"parent_id,omitempty"`
	Anchor          *model.TextAnchor `json:"anchor,omitempty"`
	Prompt          string            `json:"prompt" validate:"required"`
	Model           string            `json:"model" validate:"required"`
	Parameters      json.RawMessage   `json:"parameters,omitempty"`
	AllowUnresolved bool              `json:"allow_unresolved,omitempty"`
	Priority        string            `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
}

type updateNodeInput struct {
	ExpectedVersion int64     `json:"expected_version" validate:"required,min=1"`
	Tags            *[]string `json:"tags,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
	Starred         *bool     `json:"starred,omitempty"`
}

type regenerateInput struct {
	ExpectedVersion int64  `json:"expected_version" validate:"required,min=1"`
	PreserveHistory bool   `json:"preserve_history,omitempty"`
	Priority        string `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
}

type startInput struct {
	Priority string `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
}

type linkInput struct {
	TargetID string `json:"target_id" validate:"required"`
}

// startError is returned when a node was created but its generation could
// not be queued. The node stays pending.
type startError struct {
	node *model.Node
	err  error
}

func (e *startError) Error() string { return e.err.Error() }
func (e *startError) Unwrap() error { return e.err }

func (s *Server) createGraph(ctx context.Context, in createGraphInput) (*model.Graph, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	return s.graph.CreateGraph(ctx, ActorFrom(ctx), in.Title)
}

func (s *Server) updateGraph(ctx context.Context, id string, in updateGraphInput) (*model.Graph, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	return s.graph.UpdateGraph(ctx, ActorFrom(ctx), id, in.ExpectedVersion, in.Title)
}

func (s *Server) deleteGraph(ctx context.Context, id string) error {
	if err := s.graph.DeleteGraph(ctx, ActorFrom(ctx), id); err != nil {
		return err
	}
	s.Presence.ForgetGraph(id)
	return nil
}

// createNode creates a root (no parent) or a branch and starts its
// generation.
func (s *Server) createNode(ctx context.Context, in createNodeInput) (*model.Node, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	actor := ActorFrom(ctx)

	var (
		node *model.Node
		err  error
	)
	if in.ParentID == "" {
		if in.Anchor != nil {
			return nil, model.Errorf(model.KindValidation, "a root node cannot have an anchor")
		}
		node, err = s.graph.CreateRootNode(ctx, actor, in.GraphID, in.Prompt, in.Model, in.Parameters)
	} else {
		parent, perr := s.graph.GetNode(ctx, actor, in.ParentID)
		if perr != nil {
			return nil, perr
		}
		if parent.GraphID != in.GraphID {
			return nil, model.Errorf(model.KindValidation, "parent %s belongs to graph %s", in.ParentID, parent.GraphID)
		}
		node, err = s.graph.CreateChildNode(ctx, actor, graph.ChildInput{
			ParentID:        in.ParentID,
			Anchor:          in.Anchor,
			Prompt:          in.Prompt,
			Model:           in.Model,
			Parameters:      in.Parameters,
			AllowUnresolved: in.AllowUnresolved,
		})
	}
	if err != nil {
		return nil, err
	}
	if err := s.ctrl.Start(ctx, node.ID, dispatch.ParsePriority(in.Priority)); err != nil {
		return node, &startError{node: node, err: err}
	}
	return node, nil
}

func (s *Server) updateNode(ctx context.Context, id string, in updateNodeInput) (*model.Node, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	u := model.NodeUpdate{Tags: in.Tags, Notes: in.Notes, Starred: in.Starred}
	return s.graph.UpdateNode(ctx, ActorFrom(ctx), id, in.ExpectedVersion, u)
}

func (s *Server) regenerate(ctx context.Context, id string, in regenerateInput) (*model.Node, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	n, err := s.ctrl.Regenerate(ctx, ActorFrom(ctx), id, in.ExpectedVersion, in.PreserveHistory, dispatch.ParsePriority(in.Priority))
	if err != nil && n != nil {
		return n, &startError{node: n, err: err}
	}
	return n, err
}

// start queues generation for a pending node whose earlier submission was
// rejected.
func (s *Server) start(ctx context.Context, id string, in startInput) (*model.Node, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	n, err := s.graph.WritableNode(ctx, ActorFrom(ctx), id)
	if err != nil {
		return nil, err
	}
	if err := s.ctrl.Start(ctx, id, dispatch.ParsePriority(in.Priority)); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Server) addLink(ctx context.Context, sourceID string, in linkInput) (*model.Edge, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	return s.graph.AddLink(ctx, ActorFrom(ctx), sourceID, in.TargetID)
}

func (s *Server) deadLetters(ctx context.Context, limit int) ([]dispatch.DeadLetter, error) {
	if s.disp == nil || s.disp.DeadLetters() == nil {
		return []dispatch.DeadLetter{}, nil
	}
	dls, err := s.disp.DeadLetters().List(ctx, limit)
	if err != nil {
		return nil, err
	}
	if dls == nil {
		dls = []dispatch.DeadLetter{}
	}
	return dls, nil
}

// pendingNode returns the node carried by a startError.
func pendingNode(err error) *model.Node {
	var se *startError
	if errors.As(err, &se) {
		return se.node
	}
	return nil
}

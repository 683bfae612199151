package graph

import (
	"context"
	"fmt"

	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/store"
)

// Transition moves a node to status to, letting mutate adjust the response,
// usage and error in the same write. It is the only path that changes a
// node's status. mutate runs under the node lock; an error from it aborts
// the transition unchanged.
//
// The move must be allowed by model.CanTransition, or be a reset of a
// terminal node to pending (regeneration). When expectedVersion is non-zero
// it must match the stored version; lifecycle callers that only care about
// the status pass zero and rely on the status check instead.
func (s *Store) Transition(ctx context.Context, nodeID string, expectedVersion int64, to model.Status, mutate func(n *model.Node) error) (*model.Node, error) {
	unlock := s.locks.Lock(nodeKey(nodeID))
	defer unlock()

	var node *model.Node
	err := s.commit(ctx, func(tx store.Store, rec *recorder) error {
		n, err := tx.GetNode(ctx, nodeID)
		if err != nil {
			return mapErr(err, "node", nodeID)
		}
		if expectedVersion != 0 && n.Version != expectedVersion {
			return model.Conflict("node", nodeID, expectedVersion, n.Version)
		}
		from := n.Status
		regenerate := to == model.StatusPending && model.CanRegenerate(from)
		if !regenerate {
			if err := model.CheckTransition(from, to); err != nil {
				return err
			}
		}

		prevText := n.Response.TextMarkdown
		if mutate != nil {
			if err := mutate(n); err != nil {
				return err
			}
		}
		n.Status = to
		base := n.Version
		n.Version++
		n.UpdatedAt = s.now()
		if err := writeNode(ctx, tx, n, base); err != nil {
			return err
		}

		rec.add(n.GraphID, model.EventNodeStatusChanged, n.ID, n.Version, model.SystemActor.UserID,
			model.StatusChange{From: from, To: to, Error: n.Error})
		if n.Response.TextMarkdown != prevText {
			rec.add(n.GraphID, model.EventNodeContentUpdated, n.ID, n.Version, model.SystemActor.UserID,
				map[string]any{"length": len(n.Response.TextMarkdown), "finish_reason": n.Response.FinishReason})
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("transition %s to %s: %w", nodeID, to, err)
	}
	s.logger.Debug("node transitioned", "node", nodeID, "status", to, "version", node.Version)
	return node, nil
}

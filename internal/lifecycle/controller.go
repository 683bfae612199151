// Package lifecycle drives nodes through generation: it submits jobs to the
// dispatcher, accumulates streamed text in memory and commits the outcome to
// the graph store at the terminal transition.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/dispatch"
	"github.com/alfredjeanlab/convgraph/internal/generation"
	"github.com/alfredjeanlab/convgraph/internal/graph"
	"github.com/alfredjeanlab/convgraph/internal/model"
)

// Dispatcher is the part of dispatch.Dispatcher the controller uses.
type Dispatcher interface {
	Submit(nodeID string, p dispatch.Priority, req *generation.Request) (*dispatch.Ticket, error)
	Cancel(nodeID string) bool
	Active(nodeID string) bool
}

// errStale aborts a transition whose job has been superseded.
var errStale = errors.New("job superseded")

// Controller is safe for concurrent use.
type Controller struct {
	graph  *graph.Store
	disp   Dispatcher
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]string // node id -> current job id

	wg sync.WaitGroup
}

// New returns a controller and registers it to cancel jobs of deleted nodes.
func New(g *graph.Store, d Dispatcher, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		graph:  g,
		disp:   d,
		logger: logger,
		jobs:   make(map[string]string),
	}
	g.OnNodesDeleted(c.nodesDeleted)
	return c
}

// Start submits a generation job for a pending node. A job the node already
// has is replaced, and its remaining output ignored.
func (c *Controller) Start(ctx context.Context, nodeID string, p dispatch.Priority) error {
	chain, err := c.graph.GetAncestryChain(ctx, model.SystemActor, nodeID)
	if err != nil {
		return err
	}
	node := chain[len(chain)-1]
	if node.Status != model.StatusPending {
		return model.Errorf(model.KindValidation, "node %s is %s, not pending", nodeID, node.Status)
	}

	req := &generation.Request{
		NodeID:     node.ID,
		Model:      node.Request.Model,
		Messages:   messagesFor(chain),
		Parameters: node.Request.Parameters,
	}
	tk, err := c.disp.Submit(nodeID, p, req)
	if err != nil {
		return fmt.Errorf("submit %s: %w", nodeID, err)
	}

	c.mu.Lock()
	c.jobs[nodeID] = tk.JobID
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consume(nodeID, node.Version, tk)
	c.logger.Info("generation started", "node", nodeID, "job", tk.JobID, "priority", p.String())
	return nil
}

// messagesFor builds the conversation for the last node of chain from the
// current state of its ancestors.
func messagesFor(chain []*model.Node) []model.Message {
	node := chain[len(chain)-1]
	msgs := graph.BuildMessages(chain[:len(chain)-1], node.SpawnedFrom)
	return append(msgs, model.Message{Role: model.RoleUser, Content: node.Request.Prompt})
}

// Cancel moves a pending or streaming node to cancelled at once and stops
// its job. Output the job produces afterwards is discarded.
func (c *Controller) Cancel(ctx context.Context, actor model.Actor, nodeID string) (*model.Node, error) {
	cur, err := c.graph.WritableNode(ctx, actor, nodeID)
	if err != nil {
		return nil, err
	}
	n, err := c.transitionAt(ctx, nodeID, cur.Version, model.StatusCancelled, func(n *model.Node) error {
		c.forget(nodeID)
		n.Error = &model.NodeError{Code: model.ErrCodeCancelled, Message: "cancelled by " + actor.UserID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.disp.Cancel(nodeID)
	c.logger.Info("generation cancelled", "node", nodeID, "actor", actor.UserID)
	return n, nil
}

// Regenerate resets a terminal node to pending and starts a new job. With
// preserveHistory the current response is archived first. Children keep
// their parent and anchors.
func (c *Controller) Regenerate(ctx context.Context, actor model.Actor, nodeID string, expectedVersion int64, preserveHistory bool, p dispatch.Priority) (*model.Node, error) {
	if _, err := c.graph.WritableNode(ctx, actor, nodeID); err != nil {
		return nil, err
	}
	if expectedVersion <= 0 {
		return nil, model.Errorf(model.KindValidation, "expected_version is required")
	}
	n, err := c.graph.Transition(ctx, nodeID, expectedVersion, model.StatusPending, func(n *model.Node) error {
		history := n.Response.History
		if preserveHistory {
			history = append(history, model.ResponseVersion{
				TextMarkdown: n.Response.TextMarkdown,
				FinishReason: n.Response.FinishReason,
				Usage:        n.Usage,
				Status:       n.Status,
				ArchivedAt:   time.Now().UTC(),
			})
		}
		n.Response = model.Response{History: history}
		n.Usage = model.Usage{}
		n.Error = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx, nodeID, p); err != nil {
		return n, err
	}
	return n, nil
}

// ReconcileReport summarizes a Reconcile pass.
type ReconcileReport struct {
	Interrupted int `json:"interrupted"`
	Resubmitted int `json:"resubmitted"`
}

// Reconcile repairs nodes left mid-lifecycle by a previous process: a
// streaming node without a job fails as interrupted, a pending node without
// a job is submitted again.
func (c *Controller) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	nodes, err := c.graph.NodesInStatus(ctx, model.StatusStreaming, model.StatusPending)
	if err != nil {
		return rep, fmt.Errorf("list unfinished nodes: %w", err)
	}
	for _, n := range nodes {
		if c.disp.Active(n.ID) {
			continue
		}
		switch n.Status {
		case model.StatusStreaming:
			_, err := c.graph.Transition(ctx, n.ID, n.Version, model.StatusFailed, func(n *model.Node) error {
				n.Error = &model.NodeError{
					Code:      model.ErrCodeInterrupted,
					Message:   "generation was interrupted by a restart",
					Retryable: true,
				}
				return nil
			})
			if err != nil {
				c.logger.Warn("reconcile: failing interrupted node", "node", n.ID, "error", err)
				continue
			}
			rep.Interrupted++
		case model.StatusPending:
			if err := c.Start(ctx, n.ID, dispatch.PriorityLow); err != nil {
				c.logger.Warn("reconcile: resubmitting node", "node", n.ID, "error", err)
				continue
			}
			rep.Resubmitted++
		}
	}
	c.logger.Info("reconcile finished", "interrupted", rep.Interrupted, "resubmitted", rep.Resubmitted)
	return rep, nil
}

// Wait blocks until every job consumer has returned. Call it after the
// dispatcher has shut down.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// transitionAt moves nodeID to status to at the version the caller last
// saw. Status is only ever written here, so a conflict means a user edit of
// annotations landed in between; the change is applied once more on top of
// the version the conflict reports.
func (c *Controller) transitionAt(ctx context.Context, nodeID string, version int64, to model.Status, mutate func(n *model.Node) error) (*model.Node, error) {
	n, err := c.graph.Transition(ctx, nodeID, version, to, mutate)
	var conflict *model.Error
	if !errors.As(err, &conflict) || conflict.Kind != model.KindConflict {
		return n, err
	}
	c.logger.Debug("lifecycle transition raced an edit", "node", nodeID, "seen", version, "current", conflict.CurrentVersion)
	return c.graph.Transition(ctx, nodeID, conflict.CurrentVersion, to, mutate)
}

func (c *Controller) nodesDeleted(ids []string) {
	for _, id := range ids {
		c.forget(id)
		c.disp.Cancel(id)
	}
}

func (c *Controller) forget(nodeID string) {
	c.mu.Lock()
	delete(c.jobs, nodeID)
	c.mu.Unlock()
}

func (c *Controller) current(nodeID, jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[nodeID] == jobID
}

// consume follows one job's events starting from the node at version.
// Every transition re-checks, under the node lock, that the job is still the
// node's current one.
func (c *Controller) consume(nodeID string, version int64, tk *dispatch.Ticket) {
	defer c.wg.Done()
	ctx := context.Background()

	var (
		text      strings.Builder
		streaming bool
		stale     bool
	)
	transition := func(to model.Status, mutate func(n *model.Node)) {
		if stale {
			return
		}
		n, err := c.transitionAt(ctx, nodeID, version, to, func(n *model.Node) error {
			if !c.current(nodeID, tk.JobID) {
				return errStale
			}
			if mutate != nil {
				mutate(n)
			}
			return nil
		})
		switch {
		case err == nil:
			version = n.Version
		case errors.Is(err, errStale), model.IsKind(err, model.KindNotFound):
			stale = true
		default:
			c.logger.Error("lifecycle transition failed", "node", nodeID, "job", tk.JobID, "to", to, "error", err)
			stale = true
		}
	}

	for ev := range tk.Events {
		switch ev.Type {
		case dispatch.EventChunk:
			if !streaming {
				transition(model.StatusStreaming, nil)
				streaming = true
			}
			text.WriteString(ev.Delta)
		case dispatch.EventRetry:
			text.Reset()
		case dispatch.EventCompleted:
			if !streaming {
				transition(model.StatusStreaming, nil)
			}
			transition(model.StatusCompleted, func(n *model.Node) {
				n.Response.TextMarkdown = text.String()
				n.Response.FinishReason = ev.FinishReason
				if ev.Usage != nil {
					n.Usage = *ev.Usage
				}
				n.Error = nil
			})
		case dispatch.EventFailed:
			transition(model.StatusFailed, func(n *model.Node) {
				n.Error = &model.NodeError{
					Code:      dispatch.FailureCode(ev.Err),
					Message:   errString(ev.Err),
					Retryable: generation.IsRetryable(ev.Err),
					Attempts:  ev.Attempt,
				}
			})
		}
	}

	c.mu.Lock()
	if c.jobs[nodeID] == tk.JobID {
		delete(c.jobs, nodeID)
	}
	c.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return "generation failed"
	}
	return err.Error()
}

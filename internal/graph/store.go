// Package graph implements the conversation graph store: the single owner of
// graph, node and edge state. It enforces the tree invariant and structural
// limits, resolves branch anchors, and applies optimistic-lock versioning to
// every mutation.
//
// Node-level writes (annotation edits, lifecycle transitions) serialize on a
// per-node lock, so edits to different nodes of the same graph never block
// each other. Structural writes additionally take the graph lock first.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/idgen"
	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/store"
)

// Notifier receives events after the transaction that produced them has
// committed.
type Notifier interface {
	Notify(ctx context.Context, events ...*model.Event)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, ...*model.Event) {}

// Config configures a Store.
type Config struct {
	Limits   model.Limits
	Notifier Notifier
	Logger   *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Store is the graph store.
type Store struct {
	db       store.Store
	limits   model.Limits
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
	locks    *keyedMutex

	onDeleted func(nodeIDs []string)
}

// New returns a graph store persisting through db.
func New(db store.Store, cfg Config) *Store {
	if cfg.Limits == (model.Limits{}) {
		cfg.Limits = model.DefaultLimits()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = noopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		db:       db,
		limits:   cfg.Limits,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		now:      cfg.Now,
		locks:    newKeyedMutex(),
	}
}

// Limits returns the structural limits in force.
func (s *Store) Limits() model.Limits {
	return s.limits
}

// OnNodesDeleted registers fn to be called with the ids of nodes removed by
// DeleteNode or DeleteGraph, after commit. Used to cancel in-flight jobs.
func (s *Store) OnNodesDeleted(fn func(nodeIDs []string)) {
	s.onDeleted = fn
}

func graphKey(id string) string { return "g:" + id }
func nodeKey(id string) string  { return "n:" + id }

// authorize rejects actors that may not mutate graphID.
func authorize(actor model.Actor, graphID string) error {
	if err := authorizeRead(actor, graphID); err != nil {
		return err
	}
	if !actor.Role.CanWrite() {
		return model.Errorf(model.KindForbidden, "role %q is read-only", actor.Role)
	}
	return nil
}

// authorizeRead rejects actors scoped to a different graph.
func authorizeRead(actor model.Actor, graphID string) error {
	if actor.GraphID != "" && actor.GraphID != graphID {
		return model.Errorf(model.KindForbidden, "actor is scoped to graph %s", actor.GraphID)
	}
	return nil
}

// mapErr translates persistence errors into model errors.
func mapErr(err error, entity, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return model.NotFound(entity, id)
	default:
		return err
	}
}

// commit runs fn in a transaction and hands the events it collected to the
// notifier once the transaction has committed.
func (s *Store) commit(ctx context.Context, fn func(tx store.Store, rec *recorder) error) error {
	rec := &recorder{now: s.now}
	err := s.db.RunInTransaction(ctx, func(tx store.Store) error {
		rec.tx = tx
		if err := fn(tx, rec); err != nil {
			return err
		}
		return rec.flush(ctx)
	})
	if err != nil {
		return err
	}
	if len(rec.events) > 0 {
		s.notifier.Notify(ctx, rec.events...)
	}
	if len(rec.deleted) > 0 && s.onDeleted != nil {
		s.onDeleted(rec.deleted)
	}
	return nil
}

// recorder collects events inside a transaction.
type recorder struct {
	tx      store.Store
	now     func() time.Time
	pending []*model.Event
	events  []*model.Event
	deleted []string
}

func (r *recorder) add(graphID string, typ model.EventType, nodeID string, version int64, actor string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}
	r.pending = append(r.pending, &model.Event{
		GraphID:   graphID,
		Type:      typ,
		NodeID:    nodeID,
		Version:   version,
		Actor:     actor,
		Payload:   raw,
		CreatedAt: r.now(),
	})
}

func (r *recorder) flush(ctx context.Context) error {
	for _, e := range r.pending {
		if err := r.tx.RecordEvent(ctx, e); err != nil {
			return fmt.Errorf("record %s event: %w", e.Type, err)
		}
	}
	r.events, r.pending = r.pending, nil
	return nil
}

// bumpGraph increments the graph version with a CAS write.
func (s *Store) bumpGraph(ctx context.Context, tx store.Store, rec *recorder, g *model.Graph, actor string) error {
	expected := g.Version
	g.Version++
	g.UpdatedAt = s.now()
	if err := tx.UpdateGraph(ctx, g, expected); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			cur, gerr := tx.GetGraph(ctx, g.ID)
			if gerr != nil {
				return mapErr(gerr, "graph", g.ID)
			}
			return model.Conflict("graph", g.ID, expected, cur.Version)
		}
		return mapErr(err, "graph", g.ID)
	}
	rec.add(g.ID, model.EventGraphUpdated, "", g.Version, actor, g.Stats)
	return nil
}

// writeNode persists n with a CAS against expected, mapping a mismatch to a
// conflict that carries the stored version.
func writeNode(ctx context.Context, tx store.Store, n *model.Node, expected int64) error {
	if err := tx.UpdateNode(ctx, n, expected); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			cur, gerr := tx.GetNode(ctx, n.ID)
			if gerr != nil {
				return mapErr(gerr, "node", n.ID)
			}
			return model.Conflict("node", n.ID, expected, cur.Version)
		}
		return mapErr(err, "node", n.ID)
	}
	return nil
}

func newID(kind idgen.Kind) (string, error) {
	id, err := idgen.New(kind)
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id, nil
}

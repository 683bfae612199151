// Package memory implements store.Store in process memory.
//
// Nodes live in an arena keyed by id with a separate parent -> children
// index, so cascade and reparent operations are index rewrites rather than
// pointer surgery. Transactions hold the write lock for their whole duration
// and keep an undo log that is replayed in reverse when fn fails, which gives
// the same all-or-nothing visibility as a database transaction.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/store"
)

// Store implements store.Store in memory.
type Store struct {
	mu sync.RWMutex
	a  *arena
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{a: newArena()}
}

type arena struct {
	graphs   map[string]*model.Graph
	nodes    map[string]*model.Node
	seq      map[string]uint64
	children map[string][]string
	edges    map[string]*model.Edge
	events   map[string][]*model.Event

	nextSeq     uint64
	nextEventID int64

	// undo is non-nil while a transaction is running.
	undo []func()
	inTx bool
}

func newArena() *arena {
	return &arena{
		graphs:   make(map[string]*model.Graph),
		nodes:    make(map[string]*model.Node),
		seq:      make(map[string]uint64),
		children: make(map[string][]string),
		edges:    make(map[string]*model.Edge),
		events:   make(map[string][]*model.Event),
	}
}

func (a *arena) record(fn func()) {
	if a.inTx {
		a.undo = append(a.undo, fn)
	}
}

func (s *Store) read(fn func(a *arena) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.a)
}

func (s *Store) write(fn func(a *arena) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.a)
}

// RunInTransaction runs fn against a view of the store that holds the write
// lock. If fn returns an error every change it made is rolled back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.a.inTx = true
	s.a.undo = nil
	err := fn(&txStore{a: s.a})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		for i := len(s.a.undo) - 1; i >= 0; i-- {
			s.a.undo[i]()
		}
	}
	s.a.inTx = false
	s.a.undo = nil
	return err
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) CreateGraph(_ context.Context, g *model.Graph) error {
	return s.write(func(a *arena) error { return a.createGraph(g) })
}

func (s *Store) GetGraph(_ context.Context, id string) (g *model.Graph, err error) {
	err = s.read(func(a *arena) error { g, err = a.getGraph(id); return err })
	return g, err
}

func (s *Store) ListGraphs(_ context.Context) (out []*model.Graph, err error) {
	err = s.read(func(a *arena) error { out = a.listGraphs(); return nil })
	return out, err
}

func (s *Store) UpdateGraph(_ context.Context, g *model.Graph, expectedVersion int64) error {
	return s.write(func(a *arena) error { return a.updateGraph(g, expectedVersion) })
}

func (s *Store) DeleteGraph(_ context.Context, id string) error {
	return s.write(func(a *arena) error { return a.deleteGraph(id) })
}

func (s *Store) CreateNode(_ context.Context, n *model.Node) error {
	return s.write(func(a *arena) error { return a.createNode(n) })
}

func (s *Store) GetNode(_ context.Context, id string) (n *model.Node, err error) {
	err = s.read(func(a *arena) error { n, err = a.getNode(id); return err })
	return n, err
}

func (s *Store) UpdateNode(_ context.Context, n *model.Node, expectedVersion int64) error {
	return s.write(func(a *arena) error { return a.updateNode(n, expectedVersion) })
}

func (s *Store) DeleteNode(_ context.Context, id string) error {
	return s.write(func(a *arena) error { return a.deleteNode(id) })
}

func (s *Store) ListNodes(_ context.Context, graphID string) (out []*model.Node, err error) {
	err = s.read(func(a *arena) error { out = a.listNodes(graphID); return nil })
	return out, err
}

func (s *Store) ListChildren(_ context.Context, nodeID string) (out []*model.Node, err error) {
	err = s.read(func(a *arena) error { out = a.listChildren(nodeID); return nil })
	return out, err
}

func (s *Store) GetAncestry(_ context.Context, id string) (out []*model.Node, err error) {
	err = s.read(func(a *arena) error { out, err = a.ancestry(id); return err })
	return out, err
}

func (s *Store) ListNodesByStatus(_ context.Context, statuses ...model.Status) (out []*model.Node, err error) {
	err = s.read(func(a *arena) error { out = a.nodesByStatus(statuses); return nil })
	return out, err
}

func (s *Store) CreateEdge(_ context.Context, e *model.Edge) error {
	return s.write(func(a *arena) error { return a.createEdge(e) })
}

func (s *Store) UpdateEdge(_ context.Context, e *model.Edge) error {
	return s.write(func(a *arena) error { return a.updateEdge(e) })
}

func (s *Store) DeleteEdge(_ context.Context, id string) error {
	return s.write(func(a *arena) error { return a.deleteEdge(id) })
}

func (s *Store) ListEdges(_ context.Context, graphID string) (out []*model.Edge, err error) {
	err = s.read(func(a *arena) error { out = a.listEdges(graphID); return nil })
	return out, err
}

func (s *Store) GetParentEdge(_ context.Context, nodeID string) (e *model.Edge, err error) {
	err = s.read(func(a *arena) error { e, err = a.parentEdge(nodeID); return err })
	return e, err
}

func (s *Store) FindEdge(_ context.Context, sourceID, targetID string, typ model.EdgeType) (e *model.Edge, err error) {
	err = s.read(func(a *arena) error { e, err = a.findEdge(sourceID, targetID, typ); return err })
	return e, err
}

func (s *Store) RecordEvent(_ context.Context, event *model.Event) error {
	return s.write(func(a *arena) error { return a.recordEvent(event) })
}

func (s *Store) ListEvents(_ context.Context, graphID string, afterID int64, limit int) (out []*model.Event, err error) {
	err = s.read(func(a *arena) error { out = a.listEvents(graphID, afterID, limit); return nil })
	return out, err
}

// txStore is the view handed to RunInTransaction callbacks. The write lock
// is already held, so every method goes straight to the arena.
type txStore struct {
	a *arena
}

var _ store.Store = (*txStore)(nil)

func (t *txStore) CreateGraph(_ context.Context, g *model.Graph) error { return t.a.createGraph(g) }
func (t *txStore) GetGraph(_ context.Context, id string) (*model.Graph, error) {
	return t.a.getGraph(id)
}
func (t *txStore) ListGraphs(_ context.Context) ([]*model.Graph, error) { return t.a.listGraphs(), nil }
func (t *txStore) UpdateGraph(_ context.Context, g *model.Graph, expectedVersion int64) error {
	return t.a.updateGraph(g, expectedVersion)
}
func (t *txStore) DeleteGraph(_ context.Context, id string) error { return t.a.deleteGraph(id) }
func (t *txStore) CreateNode(_ context.Context, n *model.Node) error { return t.a.createNode(n) }
func (t *txStore) GetNode(_ context.Context, id string) (*model.Node, error) {
	return t.a.getNode(id)
}
func (t *txStore) UpdateNode(_ context.Context, n *model.Node, expectedVersion int64) error {
	return t.a.updateNode(n, expectedVersion)
}
func (t *txStore) DeleteNode(_ context.Context, id string) error { return t.a.deleteNode(id) }
func (t *txStore) ListNodes(_ context.Context, graphID string) ([]*model.Node, error) {
	return t.a.listNodes(graphID), nil
}
func (t *txStore) ListChildren(_ context.Context, nodeID string) ([]*model.Node, error) {
	return t.a.listChildren(nodeID), nil
}
func (t *txStore) GetAncestry(_ context.Context, id string) ([]*model.Node, error) {
	return t.a.ancestry(id)
}
func (t *txStore) ListNodesByStatus(_ context.Context, statuses ...model.Status) ([]*model.Node, error) {
	return t.a.nodesByStatus(statuses), nil
}
func (t *txStore) CreateEdge(_ context.Context, e *model.Edge) error { return t.a.createEdge(e) }
func (t *txStore) UpdateEdge(_ context.Context, e *model.Edge) error { return t.a.updateEdge(e) }
func (t *txStore) DeleteEdge(_ context.Context, id string) error     { return t.a.deleteEdge(id) }
func (t *txStore) ListEdges(_ context.Context, graphID string) ([]*model.Edge, error) {
	return t.a.listEdges(graphID), nil
}
func (t *txStore) GetParentEdge(_ context.Context, nodeID string) (*model.Edge, error) {
	return t.a.parentEdge(nodeID)
}
func (t *txStore) FindEdge(_ context.Context, sourceID, targetID string, typ model.EdgeType) (*model.Edge, error) {
	return t.a.findEdge(sourceID, targetID, typ)
}
func (t *txStore) RecordEvent(_ context.Context, event *model.Event) error {
	return t.a.recordEvent(event)
}
func (t *txStore) ListEvents(_ context.Context, graphID string, afterID int64, limit int) ([]*model.Event, error) {
	return t.a.listEvents(graphID, afterID, limit), nil
}

// RunInTransaction inside a transaction joins the outer one.
func (t *txStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

func (t *txStore) Close() error { return nil }

// --- arena operations; callers hold s.mu ---

func (a *arena) createGraph(g *model.Graph) error {
	if _, ok := a.graphs[g.ID]; ok {
		return fmt.Errorf("graph %s already exists", g.ID)
	}
	c := *g
	a.graphs[g.ID] = &c
	a.record(func() { delete(a.graphs, g.ID) })
	return nil
}

func (a *arena) getGraph(id string) (*model.Graph, error) {
	g, ok := a.graphs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *g
	return &c, nil
}

func (a *arena) listGraphs() []*model.Graph {
	out := make([]*model.Graph, 0, len(a.graphs))
	for _, g := range a.graphs {
		c := *g
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (a *arena) updateGraph(g *model.Graph, expectedVersion int64) error {
	cur, ok := a.graphs[g.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrVersionMismatch
	}
	prev := *cur
	c := *g
	a.graphs[g.ID] = &c
	a.record(func() { a.graphs[g.ID] = &prev })
	return nil
}

func (a *arena) deleteGraph(id string) error {
	g, ok := a.graphs[id]
	if !ok {
		return store.ErrNotFound
	}
	for _, e := range a.edges {
		if e.GraphID == id {
			a.removeEdge(e.ID)
		}
	}
	for _, n := range a.nodes {
		if n.GraphID == id {
			a.removeNode(n.ID)
		}
	}
	events := a.events[id]
	delete(a.events, id)
	delete(a.graphs, id)
	a.record(func() {
		a.graphs[id] = g
		if events != nil {
			a.events[id] = events
		}
	})
	return nil
}

func (a *arena) createNode(n *model.Node) error {
	if _, ok := a.nodes[n.ID]; ok {
		return fmt.Errorf("node %s already exists", n.ID)
	}
	if _, ok := a.graphs[n.GraphID]; !ok {
		return fmt.Errorf("graph %s: %w", n.GraphID, store.ErrNotFound)
	}
	if n.ParentID != "" {
		if _, ok := a.nodes[n.ParentID]; !ok {
			return fmt.Errorf("parent %s: %w", n.ParentID, store.ErrNotFound)
		}
	}
	a.nextSeq++
	a.insertNode(n.Clone(), a.nextSeq)
	a.record(func() { a.removeNode(n.ID) })
	return nil
}

func (a *arena) insertNode(n *model.Node, seq uint64) {
	a.nodes[n.ID] = n
	a.seq[n.ID] = seq
	if n.ParentID != "" {
		a.children[n.ParentID] = append(a.children[n.ParentID], n.ID)
	}
}

// removeNode drops a node and its index entries without touching edges.
func (a *arena) removeNode(id string) {
	n, ok := a.nodes[id]
	if !ok {
		return
	}
	seq := a.seq[id]
	kids := a.children[id]
	delete(a.nodes, id)
	delete(a.seq, id)
	delete(a.children, id)
	if n.ParentID != "" {
		a.unlinkChild(n.ParentID, id)
	}
	a.record(func() {
		a.insertNode(n, seq)
		if kids != nil {
			a.children[id] = kids
		}
	})
}

func (a *arena) unlinkChild(parentID, childID string) {
	kids := a.children[parentID]
	if i := slices.Index(kids, childID); i >= 0 {
		kids = slices.Delete(slices.Clone(kids), i, i+1)
		if len(kids) == 0 {
			delete(a.children, parentID)
		} else {
			a.children[parentID] = kids
		}
	}
}

func (a *arena) getNode(id string) (*model.Node, error) {
	n, ok := a.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return n.Clone(), nil
}

func (a *arena) updateNode(n *model.Node, expectedVersion int64) error {
	cur, ok := a.nodes[n.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrVersionMismatch
	}
	if n.ParentID != cur.ParentID {
		if n.ParentID != "" {
			if _, ok := a.nodes[n.ParentID]; !ok {
				return fmt.Errorf("parent %s: %w", n.ParentID, store.ErrNotFound)
			}
		}
		oldParent := cur.ParentID
		if oldParent != "" {
			a.unlinkChild(oldParent, n.ID)
		}
		if n.ParentID != "" {
			a.children[n.ParentID] = append(slices.Clone(a.children[n.ParentID]), n.ID)
		}
		newParent := n.ParentID
		a.record(func() {
			if newParent != "" {
				a.unlinkChild(newParent, n.ID)
			}
			if oldParent != "" {
				a.children[oldParent] = append(slices.Clone(a.children[oldParent]), n.ID)
			}
		})
	}
	a.nodes[n.ID] = n.Clone()
	a.record(func() { a.nodes[cur.ID] = cur })
	return nil
}

func (a *arena) deleteNode(id string) error {
	if _, ok := a.nodes[id]; !ok {
		return store.ErrNotFound
	}
	for _, e := range a.edges {
		if e.SourceID == id || e.TargetID == id {
			a.removeEdge(e.ID)
		}
	}
	a.removeNode(id)
	return nil
}

func (a *arena) sortNodes(out []*model.Node) {
	sort.Slice(out, func(i, j int) bool { return a.seq[out[i].ID] < a.seq[out[j].ID] })
}

func (a *arena) listNodes(graphID string) []*model.Node {
	var out []*model.Node
	for _, n := range a.nodes {
		if n.GraphID == graphID {
			out = append(out, n.Clone())
		}
	}
	a.sortNodes(out)
	return out
}

func (a *arena) listChildren(nodeID string) []*model.Node {
	kids := a.children[nodeID]
	out := make([]*model.Node, 0, len(kids))
	for _, id := range kids {
		out = append(out, a.nodes[id].Clone())
	}
	a.sortNodes(out)
	return out
}

func (a *arena) ancestry(id string) ([]*model.Node, error) {
	var chain []*model.Node
	cur, ok := a.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	for steps := 0; ; steps++ {
		if steps > len(a.nodes) {
			return nil, fmt.Errorf("ancestry of %s: cycle detected", id)
		}
		chain = append(chain, cur.Clone())
		if cur.ParentID == "" {
			break
		}
		if cur, ok = a.nodes[cur.ParentID]; !ok {
			return nil, fmt.Errorf("ancestry of %s: dangling parent: %w", id, store.ErrNotFound)
		}
	}
	slices.Reverse(chain)
	return chain, nil
}

func (a *arena) nodesByStatus(statuses []model.Status) []*model.Node {
	var out []*model.Node
	for _, n := range a.nodes {
		if slices.Contains(statuses, n.Status) {
			out = append(out, n.Clone())
		}
	}
	a.sortNodes(out)
	return out
}

func (a *arena) createEdge(e *model.Edge) error {
	if _, ok := a.edges[e.ID]; ok {
		return fmt.Errorf("edge %s already exists", e.ID)
	}
	for _, id := range []string{e.SourceID, e.TargetID} {
		if _, ok := a.nodes[id]; !ok {
			return fmt.Errorf("edge endpoint %s: %w", id, store.ErrNotFound)
		}
	}
	c := *e
	a.edges[e.ID] = &c
	a.record(func() { delete(a.edges, e.ID) })
	return nil
}

func (a *arena) updateEdge(e *model.Edge) error {
	cur, ok := a.edges[e.ID]
	if !ok {
		return store.ErrNotFound
	}
	c := *e
	a.edges[e.ID] = &c
	a.record(func() { a.edges[e.ID] = cur })
	return nil
}

func (a *arena) deleteEdge(id string) error {
	if _, ok := a.edges[id]; !ok {
		return store.ErrNotFound
	}
	a.removeEdge(id)
	return nil
}

func (a *arena) removeEdge(id string) {
	e := a.edges[id]
	delete(a.edges, id)
	a.record(func() { a.edges[id] = e })
}

func (a *arena) listEdges(graphID string) []*model.Edge {
	var out []*model.Edge
	for _, e := range a.edges {
		if e.GraphID == graphID {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (a *arena) parentEdge(nodeID string) (*model.Edge, error) {
	for _, e := range a.edges {
		if e.TargetID == nodeID && e.Type == model.EdgeSpawnedFrom {
			c := *e
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (a *arena) findEdge(sourceID, targetID string, typ model.EdgeType) (*model.Edge, error) {
	for _, e := range a.edges {
		if e.SourceID == sourceID && e.TargetID == targetID && e.Type == typ {
			c := *e
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (a *arena) recordEvent(event *model.Event) error {
	if _, ok := a.graphs[event.GraphID]; !ok {
		return fmt.Errorf("graph %s: %w", event.GraphID, store.ErrNotFound)
	}
	a.nextEventID++
	event.ID = a.nextEventID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	c := *event
	gid := event.GraphID
	a.events[gid] = append(a.events[gid], &c)
	a.record(func() {
		evs := a.events[gid]
		a.events[gid] = evs[:len(evs)-1]
	})
	return nil
}

func (a *arena) listEvents(graphID string, afterID int64, limit int) []*model.Event {
	var out []*model.Event
	for _, e := range a.events[graphID] {
		if e.ID <= afterID {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

package store

import (
	"context"
	"errors"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionMismatch is returned by compare-and-swap updates whose
	// expected version no longer matches the stored row.
	ErrVersionMismatch = errors.New("version mismatch")
)

// Store defines the persistence interface for conversation graphs.
//
// Update methods are compare-and-swap: the row is written only when its
// stored version equals expectedVersion, and the caller is responsible for
// having set the new version on the value being written.
type Store interface {
	// Graphs
	CreateGraph(ctx context.Context, g *model.Graph) error
	GetGraph(ctx context.Context, id string) (*model.Graph, error)
	ListGraphs(ctx context.Context) ([]*model.Graph, error)
	UpdateGraph(ctx context.Context, g *model.Graph, expectedVersion int64) error
	DeleteGraph(ctx context.Context, id string) error

	// Nodes
	CreateNode(ctx context.Context, n *model.Node) error
	GetNode(ctx context.Context, id string) (*model.Node, error)
	UpdateNode(ctx context.Context, n *model.Node, expectedVersion int64) error
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context, graphID string) ([]*model.Node, error)
	ListChildren(ctx context.Context, nodeID string) ([]*model.Node, error)
	// GetAncestry returns the chain root..id, read as one consistent snapshot.
	GetAncestry(ctx context.Context, id string) ([]*model.Node, error)
	ListNodesByStatus(ctx context.Context, statuses ...model.Status) ([]*model.Node, error)

	// Edges
	CreateEdge(ctx context.Context, e *model.Edge) error
	UpdateEdge(ctx context.Context, e *model.Edge) error
	DeleteEdge(ctx context.Context, id string) error
	ListEdges(ctx context.Context, graphID string) ([]*model.Edge, error)
	// GetParentEdge returns the spawned_from edge whose target is nodeID.
	GetParentEdge(ctx context.Context, nodeID string) (*model.Edge, error)
	FindEdge(ctx context.Context, sourceID, targetID string, typ model.EdgeType) (*model.Edge, error)

	// Events
	RecordEvent(ctx context.Context, event *model.Event) error
	ListEvents(ctx context.Context, graphID string, afterID int64, limit int) ([]*model.Event, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}

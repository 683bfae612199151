// Package client provides a transport-agnostic interface for the convgraph
// service, with HTTP/JSON and gRPC implementations.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/convgraph/internal/dispatch"
	"github.com/alfredjeanlab/convgraph/internal/model"
)

// Client is the interface that all cg CLI commands use to talk to the
// server. It is implemented by HTTPClient (default) and GRPCClient.
type Client interface {
	// Graphs
	CreateGraph(ctx context.Context, title string) (*model.Graph, error)
	GetGraph(ctx context.Context, id string) (*model.Graph, error)
	ListGraphs(ctx context.Context) ([]*model.Graph, error)
	UpdateGraph(ctx context.Context, id string, expectedVersion int64, title string) (*model.Graph, error)
	DeleteGraph(ctx context.Context, id string) error
	Snapshot(ctx context.Context, id string) (*model.GraphSnapshot, error)

	// Nodes
	CreateNode(ctx context.Context, req *CreateNodeRequest) (*model.Node, error)
	GetNode(ctx context.Context, id string) (*model.Node, error)
	UpdateNode(ctx context.Context, id string, req *UpdateNodeRequest) (*model.Node, error)
	DeleteNode(ctx context.Context, id string, cascade bool) error
	GetChildren(ctx context.Context, id string) ([]*model.Node, error)
	GetAncestry(ctx context.Context, id string) ([]*model.Node, error)

	// Lifecycle
	Regenerate(ctx context.Context, id string, req *RegenerateRequest) (*model.Node, error)
	Cancel(ctx context.Context, id string) (*model.Node, error)
	Start(ctx context.Context, id, priority string) (*model.Node, error)

	// Links
	AddLink(ctx context.Context, sourceID, targetID string) (*model.Edge, error)
	RemoveLink(ctx context.Context, sourceID, targetID string) error

	// Events
	ListEvents(ctx context.Context, graphID string, after int64, limit int) ([]*model.Event, error)
	// Watch delivers the events of graphID after the given id to fn until
	// ctx is cancelled, the stream ends, or fn returns an error.
	Watch(ctx context.Context, graphID string, after int64, fn func(*model.Event) error) error

	// Operations
	ListDeadLetters(ctx context.Context, limit int) ([]dispatch.DeadLetter, error)
	Health(ctx context.Context) (string, error)

	// Lifecycle
	Close() error
}

// Identity is sent with every request so the server can build the actor.
type Identity struct {
	UserID  string
	Role    string
	GraphID string
}

// CreateNodeRequest holds parameters for creating a root or a branch. A
// request with ParentID creates a branch; GraphID is then optional.
type CreateNodeRequest struct {
	GraphID         string            `json:"graph_id,omitempty"`
	ParentID        string            `json:"parent_id,omitempty"`
	Anchor          *model.TextAnchor `json:"anchor,omitempty"`
	Prompt          string            `json:"prompt"`
	Model           string            `json:"model"`
	Parameters      json.RawMessage   `json:"parameters,omitempty"`
	AllowUnresolved bool              `json:"allow_unresolved,omitempty"`
	Priority        string            `json:"priority,omitempty"`
}

// UpdateNodeRequest holds optional annotation edits. Nil pointer fields mean
// "don't change".
type UpdateNodeRequest struct {
	ExpectedVersion int64     `json:"expected_version"`
	Tags            *[]string `json:"tags,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
	Starred         *bool     `json:"starred,omitempty"`
}

// RegenerateRequest holds parameters for regenerating a node.
type RegenerateRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	PreserveHistory bool   `json:"preserve_history,omitempty"`
	Priority        string `json:"priority,omitempty"`
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode     int
	Kind           model.ErrorKind
	Message        string
	CurrentVersion int64
	Fields         []model.FieldError
	// Node is set when the node was created but could not be queued.
	Node *model.Node
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// LaggedError ends a watch whose consumer fell behind the server. Resume
// with LastEventID.
type LaggedError struct {
	LastEventID int64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("watch lagged behind the server; resume after event %d", e.LastEventID)
}

// Identity headers, mirrored as lower-cased gRPC metadata keys.
const (
	headerUserID     = "X-User-ID"
	headerGraphRole  = "X-Graph-Role"
	headerGraphScope = "X-Graph-Scope"
)

package model

import "time"

// Graph is a single conversation tree. Version is bumped on every structural
// change (node created/deleted, root assigned, title renamed).
type Graph struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	OwnerID    string     `json:"owner_id,omitempty"`
	RootNodeID string     `json:"root_node_id,omitempty"`
	Version    int64      `json:"version"`
	Stats      GraphStats `json:"stats"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// GraphStats holds aggregate counts maintained incrementally by the graph store.
type GraphStats struct {
	NodeCount int `json:"node_count"`
	MaxDepth  int `json:"max_depth"`
}

// GraphSnapshot is a full read of one graph, used by export and the tree view.
type GraphSnapshot struct {
	Graph *Graph  `json:"graph"`
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// Role is the access level granted to an actor on a graph.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanWrite reports whether the role permits mutations.
func (r Role) CanWrite() bool {
	return r == RoleOwner || r == RoleEditor
}

// Actor is a pre-authorized caller. The engine does not authenticate; it only
// honours the role when deciding whether a mutation is allowed.
type Actor struct {
	UserID  string `json:"user_id"`
	GraphID string `json:"graph_id,omitempty"`
	Role    Role   `json:"role"`
}

// SystemActor is used by internal callers such as the lifecycle controller.
var SystemActor = Actor{UserID: "system", Role: RoleOwner}

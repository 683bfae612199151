package model

import "time"

// EdgeType categorizes the relationship between two nodes.
type EdgeType string

const (
	// EdgeSpawnedFrom forms the tree backbone: parent -> child.
	EdgeSpawnedFrom EdgeType = "spawned_from"
	// EdgeLink is a free-form cross reference outside the tree invariant.
	EdgeLink EdgeType = "link"
)

// IsValid checks whether the edge type is a known value.
func (t EdgeType) IsValid() bool {
	return t == EdgeSpawnedFrom || t == EdgeLink
}

// Edge is a directed relation between two nodes of the same graph.
// For spawned_from edges SourceID is the parent and TargetID the child.
type Edge struct {
	ID        string    `json:"id"`
	GraphID   string    `json:"graph_id"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	Type      EdgeType  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

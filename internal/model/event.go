package model

import (
	"encoding/json"
	"time"
)

// EventType names a graph transition delivered to subscribers.
type EventType string

const (
	EventNodeCreated        EventType = "node.created"
	EventNodeStatusChanged  EventType = "node.status_changed"
	EventNodeContentUpdated EventType = "node.content_updated"
	EventNodeDeleted        EventType = "node.deleted"
	EventGraphUpdated       EventType = "graph.updated"
	EventEdgeLinked         EventType = "edge.linked"
	EventEdgeUnlinked       EventType = "edge.unlinked"
)

// Event is a persisted event record, mirroring what is published to NATS.
type Event struct {
	ID        int64           `json:"id"`
	GraphID   string          `json:"graph_id"`
	Type      EventType       `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Version   int64           `json:"version,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// StatusChange is the payload of a node.status_changed event.
type StatusChange struct {
	From  Status     `json:"from"`
	To    Status     `json:"to"`
	Error *NodeError `json:"error,omitempty"`
}

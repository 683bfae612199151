// Package events carries graph change events over a message bus. Each event
// is published as JSON on the subject convgraph.<graph id>.<event type>, so
// a watcher can follow one graph with a wildcard subscription.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// SubjectPrefix is the first token of every subject.
const SubjectPrefix = "convgraph"

// AllGraphs matches events of every graph.
const AllGraphs = SubjectPrefix + ".>"

// Subject returns the subject an event of typ in graphID is published on.
func Subject(graphID string, typ model.EventType) string {
	return SubjectPrefix + "." + graphID + "." + string(typ)
}

// GraphSubject matches every event of graphID.
func GraphSubject(graphID string) string {
	return SubjectPrefix + "." + graphID + ".>"
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// PublishEvent publishes e on its graph subject.
func PublishEvent(ctx context.Context, p Publisher, e *model.Event) error {
	return p.Publish(ctx, Subject(e.GraphID, e.Type), e)
}

// Decode parses a payload received from a Subscriber.
func Decode(data []byte) (*model.Event, error) {
	var e model.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if e.GraphID == "" || e.Type == "" {
		return nil, fmt.Errorf("decoding event: missing graph id or type")
	}
	return &e, nil
}

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/graph"
	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/store/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func ev(id int64, graphID string, typ model.EventType, at time.Time) *model.Event {
	return &model.Event{ID: id, GraphID: graphID, Type: typ, CreatedAt: at}
}

func receive(t *testing.T, sub *Subscription) *model.Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func ids(evs []*model.Event) []int64 {
	out := make([]int64, len(evs))
	for i, e := range evs {
		out[i] = e.ID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSubscribe_PerGraph(t *testing.T) {
	pub := &recordingPublisher{}
	n := New(Config{Publisher: pub})
	sub, replay, complete := n.Subscribe("g-1", 0)
	defer sub.Close()
	if len(replay) != 0 || !complete {
		t.Fatalf("fresh subscribe replay=%v complete=%v", replay, complete)
	}

	now := time.Now()
	n.Notify(context.Background(),
		ev(1, "g-1", model.EventNodeCreated, now),
		ev(2, "g-2", model.EventNodeCreated, now),
		ev(3, "g-1", model.EventGraphUpdated, now),
	)
	if got := receive(t, sub); got.ID != 1 {
		t.Errorf("first = %d", got.ID)
	}
	if got := receive(t, sub); got.ID != 3 {
		t.Errorf("second = %d", got.ID)
	}
	if len(pub.topics) != 3 || pub.topics[1] != "convgraph.g-2.node.created" {
		t.Errorf("published = %v", pub.topics)
	}
}

func TestReplayWindow(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	tests := []struct {
		name         string
		buffer       int
		ages         []time.Duration // age of events 1..n at subscribe time
		afterID      int64
		wantIDs      []int64
		wantComplete bool
	}{
		{"within window", 10, []time.Duration{5, 4, 3, 2, 1}, 3, []int64{4, 5}, true},
		{"no last id", 10, []time.Duration{2, 1}, 0, nil, true},
		{"count evicted", 3, []time.Duration{5, 4, 3, 2, 1}, 1, []int64{3, 4, 5}, false},
		{"count kept", 3, []time.Duration{5, 4, 3, 2, 1}, 3, []int64{4, 5}, true},
		{"age expired", 10, []time.Duration{200, 150, 1}, 1, []int64{3}, false},
		{"caught up", 10, []time.Duration{2, 1}, 2, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(Config{Window: 2 * time.Minute, Buffer: tt.buffer, Now: c.now})
			for i, age := range tt.ages {
				n.Notify(context.Background(), ev(int64(i+1), "g-1", model.EventNodeContentUpdated, c.t.Add(-age*time.Second)))
			}
			sub, replay, complete := n.Subscribe("g-1", tt.afterID)
			defer sub.Close()
			if !equalIDs(ids(replay), tt.wantIDs) || complete != tt.wantComplete {
				t.Errorf("replay = %v complete = %v, want %v %v", ids(replay), complete, tt.wantIDs, tt.wantComplete)
			}
		})
	}
}

func TestSubscribe_TypeFilter(t *testing.T) {
	n := New(Config{})
	sub, _, _ := n.Subscribe("g-1", 0, model.EventNodeStatusChanged)
	defer sub.Close()

	now := time.Now()
	n.Notify(context.Background(),
		ev(1, "g-1", model.EventNodeCreated, now),
		ev(2, "g-1", model.EventNodeStatusChanged, now),
	)
	if got := receive(t, sub); got.ID != 2 {
		t.Errorf("got %d, want 2", got.ID)
	}
}

func TestLaggedSubscriberIsClosed(t *testing.T) {
	n := New(Config{Buffer: 2})
	sub, _, _ := n.Subscribe("g-1", 0)

	now := time.Now()
	for i := int64(1); i <= 3; i++ {
		n.Notify(context.Background(), ev(i, "g-1", model.EventNodeCreated, now))
	}
	var got []int64
	for e := range sub.C {
		got = append(got, e.ID)
	}
	if !equalIDs(got, []int64{1, 2}) {
		t.Errorf("delivered = %v", got)
	}
	if !errors.Is(sub.Err(), ErrLagged) {
		t.Errorf("Err = %v", sub.Err())
	}
	if n.Subscribers("g-1") != 0 {
		t.Error("lagged subscriber still registered")
	}
	sub.Close()
}

func TestClose(t *testing.T) {
	n := New(Config{})
	sub, _, _ := n.Subscribe("g-1", 0)
	if n.Subscribers("g-1") != 1 {
		t.Fatalf("subscribers = %d", n.Subscribers("g-1"))
	}
	sub.Close()
	sub.Close()
	if _, ok := <-sub.C; ok {
		t.Error("channel open after Close")
	}
	if sub.Err() != nil {
		t.Errorf("Err = %v", sub.Err())
	}
	n.Notify(context.Background(), ev(1, "g-1", model.EventNodeCreated, time.Now()))
}

func TestPrune(t *testing.T) {
	c := &clock{t: time.Now()}
	n := New(Config{Window: time.Minute, Now: c.now})
	n.Notify(context.Background(), ev(1, "g-1", model.EventNodeCreated, c.t))
	c.t = c.t.Add(2 * time.Minute)
	n.Prune()
	if _, ok := n.graphs["g-1"]; ok {
		t.Error("idle graph not pruned")
	}
}

func TestNotifier_WithGraphStore(t *testing.T) {
	n := New(Config{})
	gs := graph.New(memory.New(), graph.Config{Notifier: n})
	ctx := context.Background()
	actor := model.Actor{UserID: "u-1", Role: model.RoleOwner}

	g, err := gs.CreateGraph(ctx, actor, "sky")
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	sub, _, _ := n.Subscribe(g.ID, 0)
	defer sub.Close()

	root, err := gs.CreateRootNode(ctx, actor, g.ID, "why?", "m", nil)
	if err != nil {
		t.Fatalf("CreateRootNode: %v", err)
	}
	first := receive(t, sub)
	second := receive(t, sub)
	if first.Type != model.EventNodeCreated || first.NodeID != root.ID || second.Type != model.EventGraphUpdated {
		t.Errorf("events = %+v, %+v", first, second)
	}
	if first.ID == 0 || second.ID <= first.ID {
		t.Errorf("event ids = %d, %d", first.ID, second.ID)
	}

	// A reconnecting client picks up from the last id it saw.
	sub2, replay, complete := n.Subscribe(g.ID, first.ID)
	defer sub2.Close()
	if !complete || len(replay) != 1 || replay[0].ID != second.ID {
		t.Errorf("replay = %v complete = %v", ids(replay), complete)
	}
}

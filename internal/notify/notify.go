// Package notify fans committed graph events out to per-graph subscribers
// and the message bus, keeping a short replay window so a client that
// reconnects can catch up.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/events"
	"github.com/alfredjeanlab/convgraph/internal/model"
)

// ErrLagged closes a subscription whose consumer fell too far behind. The
// consumer should resubscribe from the last event id it saw.
var ErrLagged = errors.New("subscriber lagged behind")

// Config configures a Notifier.
type Config struct {
	// Window is the maximum age of a replayable event.
	Window time.Duration
	// Buffer is the number of events kept per graph, and the channel size
	// of each subscription.
	Buffer    int
	Publisher events.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// Notifier implements graph.Notifier.
type Notifier struct {
	window time.Duration
	buffer int
	pub    events.Publisher
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	graphs map[string]*feed
}

type feed struct {
	recent []*model.Event // oldest first, at most buffer entries
	subs   map[*Subscription]struct{}
}

// Subscription receives the events of one graph on C.
type Subscription struct {
	GraphID string
	C       <-chan *model.Event

	ch    chan *model.Event
	types []model.EventType
	n     *Notifier
	err   error
	done  bool
}

// New returns a notifier.
func New(cfg Config) *Notifier {
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Minute
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Publisher == nil {
		cfg.Publisher = &events.NoopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Notifier{
		window: cfg.Window,
		buffer: cfg.Buffer,
		pub:    cfg.Publisher,
		logger: cfg.Logger,
		now:    cfg.Now,
		graphs: make(map[string]*feed),
	}
}

func (n *Notifier) feedLocked(graphID string) *feed {
	f, ok := n.graphs[graphID]
	if !ok {
		f = &feed{subs: make(map[*Subscription]struct{})}
		n.graphs[graphID] = f
	}
	return f
}

// Notify records events in the replay window, delivers them to current
// subscribers and publishes them on the bus.
func (n *Notifier) Notify(ctx context.Context, evs ...*model.Event) {
	n.mu.Lock()
	for _, e := range evs {
		f := n.feedLocked(e.GraphID)
		f.recent = append(f.recent, e)
		if over := len(f.recent) - n.buffer; over > 0 {
			f.recent = slices.Delete(f.recent, 0, over)
		}
		for sub := range f.subs {
			if !sub.wants(e) {
				continue
			}
			select {
			case sub.ch <- e:
			default:
				sub.closeLocked(ErrLagged)
				delete(f.subs, sub)
				n.logger.Warn("subscriber lagged, closing", "graph", e.GraphID, "event", e.ID)
			}
		}
	}
	n.mu.Unlock()

	for _, e := range evs {
		if err := events.PublishEvent(ctx, n.pub, e); err != nil {
			n.logger.Warn("publishing event", "graph", e.GraphID, "type", e.Type, "error", err)
		}
	}
}

// Subscribe follows graphID. When afterID is positive, events with a larger
// id still inside the window are returned for replay, and everything later
// arrives on the subscription with no gap in between. complete is false when
// the window no longer reaches back to afterID; the caller should then read
// the persisted event log. An empty types list means every type.
func (n *Notifier) Subscribe(graphID string, afterID int64, types ...model.EventType) (sub *Subscription, replay []*model.Event, complete bool) {
	ch := make(chan *model.Event, n.buffer)
	sub = &Subscription{GraphID: graphID, C: ch, ch: ch, types: types, n: n}

	n.mu.Lock()
	defer n.mu.Unlock()
	f := n.feedLocked(graphID)
	replay, complete = n.replayLocked(f, afterID)
	replay = slices.DeleteFunc(replay, func(e *model.Event) bool { return !sub.wants(e) })
	f.subs[sub] = struct{}{}
	return sub, replay, complete
}

// Replay returns the windowed events of graphID with id > afterID.
func (n *Notifier) Replay(graphID string, afterID int64) ([]*model.Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	f, ok := n.graphs[graphID]
	if !ok {
		f = &feed{}
	}
	return n.replayLocked(f, afterID)
}

func (n *Notifier) replayLocked(f *feed, afterID int64) ([]*model.Event, bool) {
	if afterID <= 0 {
		return nil, true
	}
	cutoff := n.now().Add(-n.window)
	var (
		out    []*model.Event
		oldest int64
	)
	for _, e := range f.recent {
		if e.ID == 0 || e.CreatedAt.Before(cutoff) {
			continue
		}
		if oldest == 0 {
			oldest = e.ID
		}
		if e.ID > afterID {
			out = append(out, e)
		}
	}
	// Nothing was lost only if the window still holds afterID itself or
	// something older.
	return out, oldest != 0 && oldest <= afterID
}

// Subscribers returns how many subscriptions follow graphID.
func (n *Notifier) Subscribers(graphID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if f, ok := n.graphs[graphID]; ok {
		return len(f.subs)
	}
	return 0
}

// Prune drops expired events and forgets graphs nobody follows.
func (n *Notifier) Prune() {
	cutoff := n.now().Add(-n.window)
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, f := range n.graphs {
		f.recent = slices.DeleteFunc(f.recent, func(e *model.Event) bool { return e.CreatedAt.Before(cutoff) })
		if len(f.recent) == 0 && len(f.subs) == 0 {
			delete(n.graphs, id)
		}
	}
}

// Run prunes once per window until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	n.logger.Info("notifier janitor started", "window", n.window, "buffer", n.buffer)
	ticker := time.NewTicker(n.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("notifier janitor stopped")
			return
		case <-ticker.C:
			n.Prune()
		}
	}
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	if f, ok := s.n.graphs[s.GraphID]; ok {
		delete(f.subs, s)
	}
	s.closeLocked(nil)
}

// Err reports why the subscription channel was closed: ErrLagged, or nil
// after Close.
func (s *Subscription) Err() error {
	s.n.mu.Lock()
	defer s.n.mu.Unlock()
	return s.err
}

func (s *Subscription) closeLocked(err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	close(s.ch)
}

func (s *Subscription) wants(e *model.Event) bool {
	return len(s.types) == 0 || slices.Contains(s.types, e.Type)
}

// Package presence tracks who is looking at which graph.
//
// The server registers a viewer for every open event stream and refreshes
// it on keepalives and explicit heartbeats (POST /v1/graphs/{id}/presence).
// A background reaper drops viewers that have been idle with no open stream
// for longer than a threshold.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// Entry is one viewer of one graph.
type Entry struct {
	GraphID     string     `json:"graph_id"`
	UserID      string     `json:"user_id"`
	Role        model.Role `json:"role"`
	NodeID      string     `json:"node_id,omitempty"` // node the viewer last focused
	Connections int        `json:"connections"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastSeen    time.Time  `json:"last_seen"`
	IdleSecs    float64    `json:"idle_secs"`
}

// ReaperConfig configures the background idle-viewer reaper.
type ReaperConfig struct {
	// IdleThreshold is how long a viewer without open streams may stay idle.
	// Default: 2 minutes.
	IdleThreshold time.Duration

	// SweepInterval is how often the reaper scans. Default: 30 seconds.
	SweepInterval time.Duration

	// OnGone is called for each viewer removed by the reaper, outside the
	// lock.
	OnGone func(graphID, userID string)
}

type key struct {
	graphID string
	userID  string
}

type viewer struct {
	role        model.Role
	nodeID      string
	connections int
	firstSeen   time.Time
	lastSeen    time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	viewers map[key]*viewer
	logger  *slog.Logger
	now     func() time.Time

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New creates a tracker.
func New(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		viewers: make(map[key]*viewer),
		logger:  logger,
		now:     time.Now,
	}
}

// Join registers an open stream for actor on graphID and returns the
// function that closes it.
func (t *Tracker) Join(graphID string, actor model.Actor) (leave func()) {
	k := key{graphID, actor.UserID}
	now := t.now()

	t.mu.Lock()
	v, ok := t.viewers[k]
	if !ok {
		v = &viewer{firstSeen: now}
		t.viewers[k] = v
	}
	v.role = actor.Role
	v.connections++
	v.lastSeen = now
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if v, ok := t.viewers[k]; ok && v.connections > 0 {
				v.connections--
				v.lastSeen = t.now()
			}
		})
	}
}

// Touch refreshes a viewer, creating it if needed. A non-empty nodeID
// records the node in focus.
func (t *Tracker) Touch(graphID string, actor model.Actor, nodeID string) {
	if actor.UserID == "" {
		return
	}
	k := key{graphID, actor.UserID}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.viewers[k]
	if !ok {
		v = &viewer{firstSeen: now, role: actor.Role}
		t.viewers[k] = v
	}
	v.lastSeen = now
	if nodeID != "" {
		v.nodeID = nodeID
	}
}

// Viewers returns the viewers of graphID, most recently active first.
func (t *Tracker) Viewers(graphID string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	var out []Entry
	for k, v := range t.viewers {
		if k.graphID != graphID {
			continue
		}
		out = append(out, Entry{
			GraphID:     k.graphID,
			UserID:      k.userID,
			Role:        v.role,
			NodeID:      v.nodeID,
			Connections: v.connections,
			FirstSeen:   v.firstSeen,
			LastSeen:    v.lastSeen,
			IdleSecs:    now.Sub(v.lastSeen).Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// ForgetGraph drops every viewer of a deleted graph.
func (t *Tracker) ForgetGraph(graphID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.viewers {
		if k.graphID == graphID {
			delete(t.viewers, k)
		}
	}
}

// StartReaper launches the background reaper. Call Stop to shut it down.
func (t *Tracker) StartReaper(cfg *ReaperConfig) {
	if cfg == nil {
		cfg = &ReaperConfig{}
	}
	if cfg.IdleThreshold == 0 {
		cfg.IdleThreshold = 2 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	t.reaperStop = make(chan struct{})
	t.reaperDone = make(chan struct{})

	go t.reapLoop(cfg)
	t.logger.Info("presence: reaper started",
		"idle_threshold", cfg.IdleThreshold,
		"sweep_interval", cfg.SweepInterval)
}

// Stop shuts down the reaper goroutine.
func (t *Tracker) Stop() {
	if t.reaperStop != nil {
		close(t.reaperStop)
		<-t.reaperDone
		t.reaperStop = nil
		t.reaperDone = nil
	}
}

func (t *Tracker) reapLoop(cfg *ReaperConfig) {
	defer close(t.reaperDone)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.reaperStop:
			return
		case <-ticker.C:
			t.sweep(cfg)
		}
	}
}

func (t *Tracker) sweep(cfg *ReaperConfig) {
	now := t.now()
	var gone []key

	t.mu.Lock()
	for k, v := range t.viewers {
		// Open streams keep a viewer alive regardless of idle time.
		if v.connections > 0 {
			continue
		}
		if now.Sub(v.lastSeen) > cfg.IdleThreshold {
			delete(t.viewers, k)
			gone = append(gone, k)
		}
	}
	t.mu.Unlock()

	for _, k := range gone {
		t.logger.Debug("presence: viewer gone", "graph", k.graphID, "user", k.userID)
		if cfg.OnGone != nil {
			cfg.OnGone(k.graphID, k.userID)
		}
	}
}

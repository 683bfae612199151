package export

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// Destination is a backup target for exported graphs.
type Destination interface {
	// Write stores the JSONL payload for one graph.
	Write(ctx context.Context, graphID string, data []byte) error
}

// Scheduler exports every graph to its destinations at a fixed interval.
type Scheduler struct {
	src          Source
	destinations []Destination
	interval     time.Duration
	logger       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that exports from src to the given
// destinations every interval.
func NewScheduler(src Source, destinations []Destination, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		src:          src,
		destinations: destinations,
		interval:     interval,
		logger:       logger,
	}
}

// Start begins periodic export. It runs one pass immediately, then on each
// tick, until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	s.logger.Info("export scheduler started", "interval", s.interval, "destinations", len(s.destinations))
}

// Stop cancels the scheduler and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("export scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce exports every graph once. Failures are logged per graph and per
// destination; one bad graph does not stop the pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	graphs, err := s.src.ListGraphs(ctx, model.SystemActor)
	if err != nil {
		s.logger.Error("export list graphs failed", "err", err)
		return
	}

	var total int
	for _, g := range graphs {
		if ctx.Err() != nil {
			return
		}
		var buf bytes.Buffer
		if err := ExportGraph(ctx, s.src, model.SystemActor, g.ID, &buf); err != nil {
			s.logger.Error("export failed", "graph", g.ID, "err", err)
			continue
		}
		data := buf.Bytes()
		total += len(data)
		for i, dest := range s.destinations {
			if err := dest.Write(ctx, g.ID, data); err != nil {
				s.logger.Error("export destination write failed", "graph", g.ID, "destination", i, "err", err)
			}
		}
	}

	s.logger.Info("export completed", "graphs", len(graphs), "destinations", len(s.destinations), "bytes", total)
}

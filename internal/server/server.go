// Package server exposes the graph engine over HTTP/JSON, a per-graph SSE
// event stream and gRPC.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/alfredjeanlab/convgraph/internal/dispatch"
	"github.com/alfredjeanlab/convgraph/internal/graph"
	"github.com/alfredjeanlab/convgraph/internal/lifecycle"
	"github.com/alfredjeanlab/convgraph/internal/notify"
	"github.com/alfredjeanlab/convgraph/internal/presence"
)

// Dispatcher is the part of dispatch.Dispatcher the server reports on.
type Dispatcher interface {
	Stats() dispatch.Stats
	DeadLetters() dispatch.DeadLetterStore
}

// Config wires a Server to the engine.
type Config struct {
	Graph      *graph.Store
	Controller *lifecycle.Controller
	Dispatcher Dispatcher
	Notifier   *notify.Notifier
	Presence   *presence.Tracker
	Logger     *slog.Logger
	// Keepalive is the SSE comment interval. Default: 15 seconds.
	Keepalive time.Duration
}

// Server implements the HTTP and gRPC surfaces. Every operation runs as the
// actor attached to the request context by the auth layer.
type Server struct {
	graph     *graph.Store
	ctrl      *lifecycle.Controller
	disp      Dispatcher
	notifier  *notify.Notifier
	Presence  *presence.Tracker
	logger    *slog.Logger
	validate  *validator.Validate
	keepalive time.Duration
}

// New returns a server. Presence defaults to a fresh tracker.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.New(cfg.Logger)
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 15 * time.Second
	}
	return &Server{
		graph:     cfg.Graph,
		ctrl:      cfg.Controller,
		disp:      cfg.Dispatcher,
		notifier:  cfg.Notifier,
		Presence:  cfg.Presence,
		logger:    cfg.Logger,
		validate:  newValidator(),
		keepalive: cfg.Keepalive,
	}
}

// health summarizes readiness for /v1/health and the gRPC health service.
type health struct {
	Status     string          `json:"status"`
	Dispatcher *dispatch.Stats `json:"dispatcher,omitempty"`
}

func (s *Server) health(context.Context) health {
	h := health{Status: "ok"}
	if s.disp != nil {
		st := s.disp.Stats()
		h.Dispatcher = &st
		if st.Stopped {
			h.Status = "draining"
		}
	}
	return h
}

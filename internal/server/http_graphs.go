package server

import (
	"net/http"
	"strconv"
)

// handleCreateGraph handles POST /v1/graphs.
func (s *Server) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	var in createGraphInput
	if !decodeJSON(w, r, &in) {
		return
	}
	g, err := s.createGraph(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// handleListGraphs handles GET /v1/graphs.
func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	gs, err := s.graph.ListGraphs(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"graphs": gs})
}

// handleGetGraph handles GET /v1/graphs/{id}.
func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.graph.GetGraph(r.Context(), ActorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleUpdateGraph handles PATCH /v1/graphs/{id}.
func (s *Server) handleUpdateGraph(w http.ResponseWriter, r *http.Request) {
	var in updateGraphInput
	if !decodeJSON(w, r, &in) {
		return
	}
	g, err := s.updateGraph(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleDeleteGraph handles DELETE /v1/graphs/{id}.
func (s *Server) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	if err := s.deleteGraph(r.Context(), r.PathValue("id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSnapshot handles GET /v1/graphs/{id}/snapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.graph.Snapshot(r.Context(), ActorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleListNodes handles GET /v1/graphs/{id}/nodes.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.graph.ListNodes(r.Context(), ActorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// handleListEdges handles GET /v1/graphs/{id}/edges.
func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request) {
	edges, err := s.graph.ListEdges(r.Context(), ActorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

// handleListEvents handles GET /v1/graphs/{id}/events?after=N&limit=N,
// reading the persisted event log.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = n
	}
	evs, err := s.graph.ListEvents(r.Context(), ActorFrom(r.Context()), r.PathValue("id"), after, queryInt(r, "limit", 500))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

// handleGetPresence handles GET /v1/graphs/{id}/presence.
func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.graph.GetGraph(r.Context(), ActorFrom(r.Context()), id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"viewers": s.Presence.Viewers(id)})
}

// handleTouchPresence handles POST /v1/graphs/{id}/presence, a heartbeat
// that optionally records the node the viewer has in focus.
func (s *Server) handleTouchPresence(w http.ResponseWriter, r *http.Request) {
	var in struct {
		NodeID string `json:"node_id"`
	}
	if !decodeJSON(w, r, &in) {
		return
	}
	actor := ActorFrom(r.Context())
	id := r.PathValue("id")
	if _, err := s.graph.GetGraph(r.Context(), actor, id); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.Presence.Touch(id, actor, in.NodeID)
	w.WriteHeader(http.StatusNoContent)
}

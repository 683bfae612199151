package server

import (
	"net/http"
	"strconv"
)

// handleCreateNode handles POST /v1/graphs/{id}/nodes. Without parent_id
// it creates the root.
func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var in createNodeInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.GraphID = r.PathValue("id")
	s.writeCreated(w, r, in)
}

// handleCreateBranch handles POST /v1/nodes/{id}/branches.
func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var in createNodeInput
	if !decodeJSON(w, r, &in) {
		return
	}
	parent, err := s.graph.GetNode(r.Context(), ActorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	in.ParentID = parent.ID
	in.GraphID = parent.GraphID
	s.writeCreated(w, r, in)
}

func (s *Server) writeCreated(w http.ResponseWriter, r *http.Request, in createNodeInput) {
	n, err := s.createNode(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// handleGetNode handles GET /v1/nodes/{id}.
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.graph.GetNode(r.Context(), ActorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleUpdateNode handles PATCH /v1/nodes/{id}.
func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var in updateNodeInput
	if !decodeJSON(w, r, &in) {
		return
	}
	n, err := s.updateNode(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleDeleteNode handles DELETE /v1/nodes/{id}?cascade=true.
func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	cascade := false
	if v := r.URL.Query().Get("cascade"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cascade")
			return
		}
		cascade = b
	}
	if err := s.graph.DeleteNode(r.Context(), ActorFrom(r.Context()), r.PathValue("id"), cascade); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetChildren handles GET /v1/nodes/{id}/children.
func (s *Server) handleGetChildren(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.graph.GetChildren(r.Context(), ActorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// handleGetAncestry handles GET /v1/nodes/{id}/ancestry, root first.
func (s *Server) handleGetAncestry(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.graph.GetAncestryChain(r.Context(), ActorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// handleRegenerate handles POST /v1/nodes/{id}/regenerate.
func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var in regenerateInput
	if !decodeJSON(w, r, &in) {
		return
	}
	n, err := s.regenerate(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, n)
}

// handleCancel handles POST /v1/nodes/{id}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	n, err := s.ctrl.Cancel(r.Context(), ActorFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleStart handles POST /v1/nodes/{id}/start.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var in startInput
	if !decodeJSON(w, r, &in) {
		return
	}
	n, err := s.start(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, n)
}

// handleAddLink handles POST /v1/nodes/{id}/links.
func (s *Server) handleAddLink(w http.ResponseWriter, r *http.Request) {
	var in linkInput
	if !decodeJSON(w, r, &in) {
		return
	}
	e, err := s.addLink(r.Context(), r.PathValue("id"), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleRemoveLink handles DELETE /v1/nodes/{id}/links/{target}.
func (s *Server) handleRemoveLink(w http.ResponseWriter, r *http.Request) {
	if err := s.graph.RemoveLink(r.Context(), ActorFrom(r.Context()), r.PathValue("id"), r.PathValue("target")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

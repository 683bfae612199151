package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health and
// /metrics) must include a valid Authorization: Bearer <token> header.
// A nil gatherer leaves /metrics unregistered.
func (s *Server) NewHTTPHandler(authToken string, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("POST /v1/graphs", s.handleCreateGraph)
	mux.HandleFunc("GET /v1/graphs", s.handleListGraphs)
	mux.HandleFunc("GET /v1/graphs/{id}", s.handleGetGraph)
	mux.HandleFunc("PATCH /v1/graphs/{id}", s.handleUpdateGraph)
	mux.HandleFunc("DELETE /v1/graphs/{id}", s.handleDeleteGraph)
	mux.HandleFunc("GET /v1/graphs/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /v1/graphs/{id}/nodes", s.handleListNodes)
	mux.HandleFunc("POST /v1/graphs/{id}/nodes", s.handleCreateNode)
	mux.HandleFunc("GET /v1/graphs/{id}/edges", s.handleListEdges)
	mux.HandleFunc("GET /v1/graphs/{id}/events", s.handleListEvents)
	mux.HandleFunc("GET /v1/graphs/{id}/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/graphs/{id}/presence", s.handleGetPresence)
	mux.HandleFunc("POST /v1/graphs/{id}/presence", s.handleTouchPresence)

	mux.HandleFunc("GET /v1/nodes/{id}", s.handleGetNode)
	mux.HandleFunc("PATCH /v1/nodes/{id}", s.handleUpdateNode)
	mux.HandleFunc("DELETE /v1/nodes/{id}", s.handleDeleteNode)
	mux.HandleFunc("GET /v1/nodes/{id}/children", s.handleGetChildren)
	mux.HandleFunc("GET /v1/nodes/{id}/ancestry", s.handleGetAncestry)
	mux.HandleFunc("POST /v1/nodes/{id}/branches", s.handleCreateBranch)
	mux.HandleFunc("POST /v1/nodes/{id}/regenerate", s.handleRegenerate)
	mux.HandleFunc("POST /v1/nodes/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/nodes/{id}/start", s.handleStart)
	mux.HandleFunc("POST /v1/nodes/{id}/links", s.handleAddLink)
	mux.HandleFunc("DELETE /v1/nodes/{id}/links/{target}", s.handleRemoveLink)

	mux.HandleFunc("GET /v1/dead-letters", s.handleDeadLetters)

	return RequestIDMiddleware(AuthMiddleware(authToken, s.ActorMiddleware(mux)))
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health(r.Context()))
}

// handleDeadLetters handles GET /v1/dead-letters.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := s.deadLetters(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dls})
}

// RequestIDMiddleware assigns every request an id, reusing the caller's
// X-Request-ID when present, and echoes it on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorMiddleware attaches the actor described by the identity headers.
func (s *Server) ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := parseActor(r.Header.Get(HeaderUserID), r.Header.Get(HeaderGraphRole), r.Header.Get(HeaderGraphScope))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

// decodeJSON reads the request body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeErr maps an engine error to its status code and body. Unclassified
// errors are logged with the request id.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code, body := toErrorBody(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", RequestID(r.Context()), "error", err)
	}
	body.Node = pendingNode(err)
	writeJSON(w, code, body)
}

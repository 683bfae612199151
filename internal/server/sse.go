package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/notify"
)

// handleEventStream handles GET /v1/graphs/{id}/events/stream (SSE).
//
// A client resuming with Last-Event-ID (or ?after=) gets every event it
// missed: from the notifier's window when it still reaches back far enough,
// otherwise from the persisted log. Optional ?types=a,b filters by event
// type. A lagging client receives a final "lagged" event and should
// reconnect with the last id it saw.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ctx := r.Context()
	actor := ActorFrom(ctx)
	graphID := r.PathValue("id")
	if _, err := s.graph.GetGraph(ctx, actor, graphID); err != nil {
		s.writeErr(w, r, err)
		return
	}

	var types []model.EventType
	if q := r.URL.Query().Get("types"); q != "" {
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, model.EventType(t))
			}
		}
	}
	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("after")
	}
	var after int64
	if lastID != "" {
		n, err := strconv.ParseInt(lastID, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid Last-Event-ID")
			return
		}
		after = n
	}

	sub, replay, complete := s.notifier.Subscribe(graphID, after, types...)
	defer sub.Close()
	if !complete {
		persisted, err := s.graph.ListEvents(ctx, actor, graphID, after, 0)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		replay = filterTypes(persisted, types)
	}

	leave := s.Presence.Join(graphID, actor)
	defer leave()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)

	high := after
	for _, e := range replay {
		if e.ID > high {
			writeSSEEvent(w, e)
			high = e.ID
		}
	}
	flusher.Flush()

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				if errors.Is(sub.Err(), notify.ErrLagged) {
					fmt.Fprintf(w, "event:lagged\ndata:{\"last_event_id\":%d}\n\n", high)
					flusher.Flush()
				}
				return
			}
			// Events already sent from the persisted log come through the
			// subscription too.
			if e.ID != 0 && e.ID <= high {
				continue
			}
			writeSSEEvent(w, e)
			flusher.Flush()
			if e.ID > high {
				high = e.ID
			}
		case <-keepalive.C:
			fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
			s.Presence.Touch(graphID, actor, "")
		}
	}
}

// writeSSEEvent writes a single SSE event. Live-only events have no id and
// are sent without one so they do not move the client's resume point.
func writeSSEEvent(w http.ResponseWriter, e *model.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if e.ID != 0 {
		fmt.Fprintf(w, "id:%d\n", e.ID)
	}
	fmt.Fprintf(w, "event:%s\n", e.Type)
	fmt.Fprintf(w, "data:%s\n\n", data)
}

func filterTypes(evs []*model.Event, types []model.EventType) []*model.Event {
	if len(types) == 0 {
		return evs
	}
	out := evs[:0:0]
	for _, e := range evs {
		for _, t := range types {
			if e.Type == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

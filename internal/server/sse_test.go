package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// sseEventParsed represents a single parsed SSE event from the stream.
type sseEventParsed struct {
	ID    string
	Event string
	Data  string
}

// sseReader reads SSE events from an HTTP response body using a bufio.Scanner.
func sseReader(resp *http.Response) <-chan sseEventParsed {
	ch := make(chan sseEventParsed, 256)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(resp.Body)
		var current sseEventParsed
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id:"):
				current.ID = strings.TrimPrefix(line, "id:")
			case strings.HasPrefix(line, "event:"):
				current.Event = strings.TrimPrefix(line, "event:")
			case strings.HasPrefix(line, "data:"):
				current.Data = strings.TrimPrefix(line, "data:")
			case line == "":
				if current.Event != "" || current.Data != "" {
					ch <- current
					current = sseEventParsed{}
				}
			}
		}
	}()
	return ch
}

// openStream connects to a graph's event stream. lastID is sent as
// Last-Event-ID when non-empty.
func (h *harness) openStream(t *testing.T, graphID, query, lastID string) <-chan sseEventParsed {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	url := h.ts.URL + "/v1/graphs/" + graphID + "/events/stream"
	if query != "" {
		url += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(HeaderUserID, "watcher")
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return sseReader(resp)
}

// waitForEvent reads from the SSE event channel until an event of the given
// type is received, or the timeout expires.
func waitForEvent(t *testing.T, ch <-chan sseEventParsed, typ model.EventType) sseEventParsed {
	t.Helper()
	timer := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("SSE channel closed before receiving event %q", typ)
			}
			if evt.Event == string(typ) {
				return evt
			}
		case <-timer:
			t.Fatalf("timed out waiting for SSE event %q", typ)
		}
	}
}

func decodeEvent(t *testing.T, evt sseEventParsed) *model.Event {
	t.Helper()
	var e model.Event
	if err := json.Unmarshal([]byte(evt.Data), &e); err != nil {
		t.Fatalf("decode %q: %v", evt.Data, err)
	}
	if evt.ID != strconv.FormatInt(e.ID, 10) {
		t.Errorf("id line %q does not match payload id %d", evt.ID, e.ID)
	}
	return &e
}

func TestSSE_LiveEvents(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	g := h.newGraph(t)
	ch := h.openStream(t, g.ID, "", "")

	root := h.newRoot(t, g.ID, "hello there")
	created := decodeEvent(t, waitForEvent(t, ch, model.EventNodeCreated))
	if created.NodeID != root.ID || created.GraphID != g.ID {
		t.Fatalf("created = %+v", created)
	}

	var sc model.StatusChange
	for sc.To != model.StatusCompleted {
		e := decodeEvent(t, waitForEvent(t, ch, model.EventNodeStatusChanged))
		if e.ID <= created.ID {
			t.Fatalf("event id %d not after %d", e.ID, created.ID)
		}
		if err := json.Unmarshal(e.Payload, &sc); err != nil {
			t.Fatal(err)
		}
	}
	if sc.From != model.StatusStreaming {
		t.Errorf("completed from %s", sc.From)
	}
}

func TestSSE_ResumeFromWindow(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	g := h.newGraph(t)
	root := h.waitStatus(t, h.newRoot(t, g.ID, "hello").ID, model.StatusCompleted)

	evs, err := h.graph.ListEvents(context.Background(), model.SystemActor, g.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	resumeAt := evs[1].ID

	ch := h.openStream(t, g.ID, "", strconv.FormatInt(resumeAt, 10))
	first := decodeEvent(t, <-ch)
	if first.ID != evs[2].ID {
		t.Fatalf("first replayed id = %d, want %d", first.ID, evs[2].ID)
	}

	// Live events follow the replay.
	h.mustDo(t, "PATCH", "/v1/nodes/"+root.ID, map[string]any{"expected_version": root.Version, "notes": "n"}, http.StatusOK, nil)
	e := decodeEvent(t, waitForEvent(t, ch, model.EventNodeContentUpdated))
	if e.ID <= evs[len(evs)-1].ID {
		t.Errorf("live event id %d replayed twice", e.ID)
	}
}

func TestSSE_ResumeFromLogWhenWindowExpired(t *testing.T) {
	h := newHarness(t, harnessOpts{window: time.Nanosecond})
	g := h.newGraph(t)
	h.waitStatus(t, h.newRoot(t, g.ID, "hello").ID, model.StatusCompleted)

	evs, err := h.graph.ListEvents(context.Background(), model.SystemActor, g.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	ch := h.openStream(t, g.ID, "", strconv.FormatInt(evs[0].ID, 10))
	for _, want := range evs[1:] {
		got := decodeEvent(t, <-ch)
		if got.ID != want.ID {
			t.Fatalf("replayed %d, want %d", got.ID, want.ID)
		}
	}
}

func TestSSE_TypeFilter(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	g := h.newGraph(t)
	ch := h.openStream(t, g.ID, "types=node.created", "")

	h.newRoot(t, g.ID, "hello")
	evt := <-ch
	if evt.Event != string(model.EventNodeCreated) {
		t.Fatalf("first event = %q", evt.Event)
	}
	select {
	case evt := <-ch:
		t.Fatalf("unexpected %q event", evt.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSSE_PresenceAndErrors(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	g := h.newGraph(t)
	h.openStream(t, g.ID, "", "")

	var p struct {
		Viewers []struct {
			UserID      string `json:"user_id"`
			Connections int    `json:"connections"`
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.mustDo(t, "GET", "/v1/graphs/"+g.ID+"/presence", nil, http.StatusOK, &p)
		if len(p.Viewers) == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(p.Viewers) != 1 || p.Viewers[0].UserID != "watcher" || p.Viewers[0].Connections != 1 {
		t.Fatalf("viewers = %+v", p.Viewers)
	}

	resp, _ := h.do(t, "GET", "/v1/graphs/g-missing/events/stream", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown graph = %d", resp.StatusCode)
	}
	req, _ := http.NewRequest("GET", h.ts.URL+"/v1/graphs/"+g.ID+"/events/stream", nil)
	req.Header.Set("Last-Event-ID", "abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad Last-Event-ID = %d", resp.StatusCode)
	}
}

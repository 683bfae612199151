package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/convgraph/internal/dispatch"
	"github.com/alfredjeanlab/convgraph/internal/model"
)

// HTTPClient implements Client using the convgraph HTTP/JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	identity   Identity
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request.
func NewHTTPClient(baseURL, token string, id Identity) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		identity:   id,
		httpClient: &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

// --- Graphs ---

func (c *HTTPClient) CreateGraph(ctx context.Context, title string) (*model.Graph, error) {
	var g model.Graph
	if err := c.doJSON(ctx, http.MethodPost, "/v1/graphs", map[string]string{"title": title}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *HTTPClient) GetGraph(ctx context.Context, id string) (*model.Graph, error) {
	var g model.Graph
	if err := c.doJSON(ctx, http.MethodGet, "/v1/graphs/"+url.PathEscape(id), nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *HTTPClient) ListGraphs(ctx context.Context) ([]*model.Graph, error) {
	var resp struct {
		Graphs []*model.Graph `json:"graphs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/graphs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Graphs, nil
}

func (c *HTTPClient) UpdateGraph(ctx context.Context, id string, expectedVersion int64, title string) (*model.Graph, error) {
	body := map[string]any{"title": title, "expected_version": expectedVersion}
	var g model.Graph
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/graphs/"+url.PathEscape(id), body, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *HTTPClient) DeleteGraph(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/graphs/"+url.PathEscape(id), nil, nil)
}

func (c *HTTPClient) Snapshot(ctx context.Context, id string) (*model.GraphSnapshot, error) {
	var snap model.GraphSnapshot
	if err := c.doJSON(ctx, http.MethodGet, "/v1/graphs/"+url.PathEscape(id)+"/snapshot", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// --- Nodes ---

func (c *HTTPClient) CreateNode(ctx context.Context, req *CreateNodeRequest) (*model.Node, error) {
	path := "/v1/graphs/" + url.PathEscape(req.GraphID) + "/nodes"
	if req.ParentID != "" {
		path = "/v1/nodes/" + url.PathEscape(req.ParentID) + "/branches"
	}
	var n model.Node
	if err := c.doJSON(ctx, http.MethodPost, path, req, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *HTTPClient) GetNode(ctx context.Context, id string) (*model.Node, error) {
	var n model.Node
	if err := c.doJSON(ctx, http.MethodGet, "/v1/nodes/"+url.PathEscape(id), nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *HTTPClient) UpdateNode(ctx context.Context, id string, req *UpdateNodeRequest) (*model.Node, error) {
	var n model.Node
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/nodes/"+url.PathEscape(id), req, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *HTTPClient) DeleteNode(ctx context.Context, id string, cascade bool) error {
	path := "/v1/nodes/" + url.PathEscape(id)
	if cascade {
		path += "?cascade=true"
	}
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) GetChildren(ctx context.Context, id string) ([]*model.Node, error) {
	return c.nodeList(ctx, "/v1/nodes/"+url.PathEscape(id)+"/children")
}

func (c *HTTPClient) GetAncestry(ctx context.Context, id string) ([]*model.Node, error) {
	return c.nodeList(ctx, "/v1/nodes/"+url.PathEscape(id)+"/ancestry")
}

func (c *HTTPClient) nodeList(ctx context.Context, path string) ([]*model.Node, error) {
	var resp struct {
		Nodes []*model.Node `json:"nodes"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// --- Lifecycle ---

func (c *HTTPClient) Regenerate(ctx context.Context, id string, req *RegenerateRequest) (*model.Node, error) {
	var n model.Node
	if err := c.doJSON(ctx, http.MethodPost, "/v1/nodes/"+url.PathEscape(id)+"/regenerate", req, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *HTTPClient) Cancel(ctx context.Context, id string) (*model.Node, error) {
	var n model.Node
	if err := c.doJSON(ctx, http.MethodPost, "/v1/nodes/"+url.PathEscape(id)+"/cancel", nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *HTTPClient) Start(ctx context.Context, id, priority string) (*model.Node, error) {
	body := map[string]string{}
	if priority != "" {
		body["priority"] = priority
	}
	var n model.Node
	if err := c.doJSON(ctx, http.MethodPost, "/v1/nodes/"+url.PathEscape(id)+"/start", body, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// --- Links ---

func (c *HTTPClient) AddLink(ctx context.Context, sourceID, targetID string) (*model.Edge, error) {
	var e model.Edge
	body := map[string]string{"target_id": targetID}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/nodes/"+url.PathEscape(sourceID)+"/links", body, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *HTTPClient) RemoveLink(ctx context.Context, sourceID, targetID string) error {
	path := "/v1/nodes/" + url.PathEscape(sourceID) + "/links/" + url.PathEscape(targetID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// --- Events ---

func (c *HTTPClient) ListEvents(ctx context.Context, graphID string, after int64, limit int) ([]*model.Event, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/graphs/" + url.PathEscape(graphID) + "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Events []*model.Event `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Watch reads the graph's SSE stream. A server-side lag ends the stream with
// a *LaggedError carrying the id to resume after.
func (c *HTTPClient) Watch(ctx context.Context, graphID string, after int64, fn func(*model.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/graphs/"+url.PathEscape(graphID)+"/events/stream", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	if after > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(after, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, body)
	}

	err = readSSE(resp.Body, func(name string, data []byte) error {
		if name == "lagged" {
			var l struct {
				LastEventID int64 `json:"last_event_id"`
			}
			_ = json.Unmarshal(data, &l)
			return &LaggedError{LastEventID: l.LastEventID}
		}
		var e model.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		return fn(&e)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readSSE parses an event stream, calling fn once per dispatched event.
// Comment lines (keepalives) are skipped.
func readSSE(r io.Reader, fn func(name string, data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var (
		name string
		data bytes.Buffer
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				if err := fn(name, data.Bytes()); err != nil {
					return err
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return sc.Err()
}

// --- Operations ---

func (c *HTTPClient) ListDeadLetters(ctx context.Context, limit int) ([]dispatch.DeadLetter, error) {
	path := "/v1/dead-letters"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		DeadLetters []dispatch.DeadLetter `json:"dead_letters"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// --- internal helpers ---

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.identity.UserID != "" {
		req.Header.Set(headerUserID, c.identity.UserID)
	}
	if c.identity.Role != "" {
		req.Header.Set(headerGraphRole, c.identity.Role)
	}
	if c.identity.GraphID != "" {
		req.Header.Set(headerGraphScope, c.identity.GraphID)
	}
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded (for DELETE/204 responses).
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	// 204 No Content: success with no body.
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}

func decodeAPIError(code int, body []byte) error {
	var errResp struct {
		Error          string             `json:"error"`
		Kind           model.ErrorKind    `json:"kind"`
		CurrentVersion int64              `json:"current_version"`
		Fields         []model.FieldError `json:"fields"`
		Node           *model.Node        `json:"node"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &APIError{
			StatusCode:     code,
			Kind:           errResp.Kind,
			Message:        errResp.Error,
			CurrentVersion: errResp.CurrentVersion,
			Fields:         errResp.Fields,
			Node:           errResp.Node,
		}
	}
	return &APIError{StatusCode: code, Message: strings.TrimSpace(string(body))}
}

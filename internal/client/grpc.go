package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/convgraph/internal/dispatch"
	"github.com/alfredjeanlab/convgraph/internal/model"
)

const serviceName = "convgraph.v1.GraphService"

// GRPCClient implements Client over the gRPC graph service. Messages are
// google.protobuf.Struct values with the same field names as the HTTP API.
type GRPCClient struct {
	conn     *grpc.ClientConn
	token    string
	identity Identity
}

// NewGRPCClient connects to the given gRPC address and returns a client.
func NewGRPCClient(addr, token string, id Identity, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &GRPCClient{conn: conn, token: token, identity: id}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// --- Graphs ---

func (c *GRPCClient) CreateGraph(ctx context.Context, title string) (*model.Graph, error) {
	var g model.Graph
	if err := c.call(ctx, "CreateGraph", map[string]any{"title": title}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *GRPCClient) GetGraph(ctx context.Context, id string) (*model.Graph, error) {
	var g model.Graph
	if err := c.call(ctx, "GetGraph", map[string]any{"id": id}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *GRPCClient) ListGraphs(ctx context.Context) ([]*model.Graph, error) {
	var resp struct {
		Graphs []*model.Graph `json:"graphs"`
	}
	if err := c.call(ctx, "ListGraphs", map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return resp.Graphs, nil
}

func (c *GRPCClient) UpdateGraph(ctx context.Context, id string, expectedVersion int64, title string) (*model.Graph, error) {
	var g model.Graph
	req := map[string]any{"id": id, "title": title, "expected_version": expectedVersion}
	if err := c.call(ctx, "UpdateGraph", req, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *GRPCClient) DeleteGraph(ctx context.Context, id string) error {
	return c.call(ctx, "DeleteGraph", map[string]any{"id": id}, nil)
}

func (c *GRPCClient) Snapshot(ctx context.Context, id string) (*model.GraphSnapshot, error) {
	var snap model.GraphSnapshot
	if err := c.call(ctx, "Snapshot", map[string]any{"id": id}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// --- Nodes ---

// CreateNode creates a root or a branch. The service needs the graph id
// for branches too, so it is looked up from the parent when missing.
func (c *GRPCClient) CreateNode(ctx context.Context, req *CreateNodeRequest) (*model.Node, error) {
	r := *req
	if r.ParentID != "" && r.GraphID == "" {
		parent, err := c.GetNode(ctx, r.ParentID)
		if err != nil {
			return nil, err
		}
		r.GraphID = parent.GraphID
	}
	var n model.Node
	if err := c.call(ctx, "CreateNode", &r, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *GRPCClient) GetNode(ctx context.Context, id string) (*model.Node, error) {
	var n model.Node
	if err := c.call(ctx, "GetNode", map[string]any{"id": id}, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *GRPCClient) UpdateNode(ctx context.Context, id string, req *UpdateNodeRequest) (*model.Node, error) {
	body := struct {
		ID string `json:"id"`
		*UpdateNodeRequest
	}{id, req}
	var n model.Node
	if err := c.call(ctx, "UpdateNode", body, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *GRPCClient) DeleteNode(ctx context.Context, id string, cascade bool) error {
	return c.call(ctx, "DeleteNode", map[string]any{"id": id, "cascade": cascade}, nil)
}

func (c *GRPCClient) GetChildren(ctx context.Context, id string) ([]*model.Node, error) {
	return c.nodeList(ctx, "GetChildren", id)
}

func (c *GRPCClient) GetAncestry(ctx context.Context, id string) ([]*model.Node, error) {
	return c.nodeList(ctx, "GetAncestry", id)
}

func (c *GRPCClient) nodeList(ctx context.Context, method, id string) ([]*model.Node, error) {
	var resp struct {
		Nodes []*model.Node `json:"nodes"`
	}
	if err := c.call(ctx, method, map[string]any{"id": id}, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// --- Lifecycle ---

func (c *GRPCClient) Regenerate(ctx context.Context, id string, req *RegenerateRequest) (*model.Node, error) {
	body := struct {
		ID string `json:"id"`
		*RegenerateRequest
	}{id, req}
	var n model.Node
	if err := c.call(ctx, "Regenerate", body, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *GRPCClient) Cancel(ctx context.Context, id string) (*model.Node, error) {
	var n model.Node
	if err := c.call(ctx, "Cancel", map[string]any{"id": id}, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (c *GRPCClient) Start(ctx context.Context, id, priority string) (*model.Node, error) {
	req := map[string]any{"id": id}
	if priority != "" {
		req["priority"] = priority
	}
	var n model.Node
	if err := c.call(ctx, "Start", req, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// --- Links ---

func (c *GRPCClient) AddLink(ctx context.Context, sourceID, targetID string) (*model.Edge, error) {
	var e model.Edge
	if err := c.call(ctx, "AddLink", map[string]any{"id": sourceID, "target_id": targetID}, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *GRPCClient) RemoveLink(ctx context.Context, sourceID, targetID string) error {
	return c.call(ctx, "RemoveLink", map[string]any{"id": sourceID, "target_id": targetID}, nil)
}

// --- Events ---

func (c *GRPCClient) ListEvents(ctx context.Context, graphID string, after int64, limit int) ([]*model.Event, error) {
	var resp struct {
		Events []*model.Event `json:"events"`
	}
	req := map[string]any{"id": graphID, "after": after, "limit": limit}
	if err := c.call(ctx, "ListEvents", req, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Watch opens the server-streaming Watch call. A ResourceExhausted status
// from the server means the watcher lagged and is returned as a
// *LaggedError holding the last id delivered to fn.
func (c *GRPCClient) Watch(ctx context.Context, graphID string, after int64, fn func(*model.Event) error) error {
	ctx = c.outgoing(ctx)
	desc := &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/Watch")
	if err != nil {
		return err
	}
	req, err := toStruct(map[string]any{"id": graphID, "after": after})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	last := after
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if status.Code(err) == codes.ResourceExhausted {
				return &LaggedError{LastEventID: last}
			}
			return err
		}
		var e model.Event
		if err := fromStruct(msg, &e); err != nil {
			return err
		}
		if e.ID > last {
			last = e.ID
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
}

// --- Operations ---

func (c *GRPCClient) ListDeadLetters(ctx context.Context, limit int) ([]dispatch.DeadLetter, error) {
	var resp struct {
		DeadLetters []dispatch.DeadLetter `json:"dead_letters"`
	}
	if err := c.call(ctx, "ListDeadLetters", map[string]any{"limit": limit}, &resp); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// Health reports the graph service status from the standard health service.
func (c *GRPCClient) Health(ctx context.Context) (string, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(c.outgoing(ctx), &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		return "", err
	}
	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		return "ok", nil
	}
	return "draining", nil
}

// --- internal helpers ---

func (c *GRPCClient) outgoing(ctx context.Context) context.Context {
	var kv []string
	if c.token != "" {
		kv = append(kv, "authorization", "Bearer "+c.token)
	}
	if c.identity.UserID != "" {
		kv = append(kv, "x-user-id", c.identity.UserID)
	}
	if c.identity.Role != "" {
		kv = append(kv, "x-graph-role", c.identity.Role)
	}
	if c.identity.GraphID != "" {
		kv = append(kv, "x-graph-scope", c.identity.GraphID)
	}
	if len(kv) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

// call invokes a unary method. req must encode as a JSON object; result may
// be nil when the response carries nothing of interest.
func (c *GRPCClient) call(ctx context.Context, method string, req, result any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), "/"+serviceName+"/"+method, in, out); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return fromStruct(out, result)
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("convert request: %w", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	b, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("convert response: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

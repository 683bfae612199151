package server

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

func dialBufconn(t *testing.T, h *harness, token string) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv, _ := NewGRPCServer(h.srv, token)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
	})
	return conn
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	err = conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out)
	return out, err
}

func TestGRPC_GraphService(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	conn := dialBufconn(t, h, "")
	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-user-id", "u-grpc")

	g, err := invoke(ctx, conn, "CreateGraph", map[string]any{"title": "over grpc"})
	if err != nil {
		t.Fatalf("CreateGraph: %v", err)
	}
	graphID := g.Fields["id"].GetStringValue()
	if graphID == "" || g.Fields["owner_id"].GetStringValue() != "u-grpc" {
		t.Fatalf("graph = %v", g)
	}

	n, err := invoke(ctx, conn, "CreateNode", map[string]any{"graph_id": graphID, "prompt": "hi there", "model": "echo"})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	nodeID := n.Fields["id"].GetStringValue()
	h.waitStatus(t, nodeID, model.StatusCompleted)

	got, err := invoke(ctx, conn, "GetNode", map[string]any{"id": nodeID})
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	resp := got.Fields["response"].GetStructValue()
	if resp.Fields["text_markdown"].GetStringValue() != "hi there" {
		t.Errorf("response = %v", resp)
	}

	list, err := invoke(ctx, conn, "GetAncestry", map[string]any{"id": nodeID})
	if err != nil {
		t.Fatalf("GetAncestry: %v", err)
	}
	if l := len(list.Fields["nodes"].GetListValue().GetValues()); l != 1 {
		t.Errorf("ancestry length = %d", l)
	}

	if _, err := invoke(ctx, conn, "DeleteGraph", map[string]any{"id": graphID}); err != nil {
		t.Fatalf("DeleteGraph: %v", err)
	}
}

func TestGRPC_ErrorCodes(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	conn := dialBufconn(t, h, "")
	ctx := context.Background()
	g := h.newGraph(t)
	root := h.waitStatus(t, h.newRoot(t, g.ID, rayleigh).ID, model.StatusCompleted)

	tests := []struct {
		name   string
		ctx    context.Context
		method string
		in     map[string]any
		want   codes.Code
	}{
		{"not found", ctx, "GetNode", map[string]any{"id": "n-missing"}, codes.NotFound},
		{"validation", ctx, "CreateGraph", map[string]any{}, codes.InvalidArgument},
		{"conflict", ctx, "UpdateNode", map[string]any{"id": root.ID, "expected_version": 1, "notes": "x"}, codes.Aborted},
		{"anchor", ctx, "CreateNode", map[string]any{
			"graph_id": g.ID, "parent_id": root.ID, "prompt": "p", "model": "echo",
			"anchor": map[string]any{"exact": "Mie scattering"},
		}, codes.FailedPrecondition},
		{"forbidden", metadata.AppendToOutgoingContext(ctx, "x-graph-role", "viewer"),
			"CreateGraph", map[string]any{"title": "t"}, codes.PermissionDenied},
		{"bad role", metadata.AppendToOutgoingContext(ctx, "x-graph-role", "root"),
			"ListGraphs", map[string]any{}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := invoke(tt.ctx, conn, tt.method, tt.in)
			if status.Code(err) != tt.want {
				t.Fatalf("code = %v (%v), want %v", status.Code(err), err, tt.want)
			}
		})
	}
}

func TestGRPC_AuthAndHealth(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	conn := dialBufconn(t, h, "secret")
	ctx := context.Background()

	if _, err := invoke(ctx, conn, "ListGraphs", map[string]any{}); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("unauthenticated call = %v", err)
	}
	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer secret")
	if _, err := invoke(authed, conn, "ListGraphs", map[string]any{}); err != nil {
		t.Fatalf("authenticated call: %v", err)
	}

	hc := healthpb.NewHealthClient(conn)
	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health = %v", resp.GetStatus())
	}
}

func TestGRPC_Watch(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	conn := dialBufconn(t, h, "")
	g := h.newGraph(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, "/"+ServiceName+"/Watch")
	if err != nil {
		t.Fatal(err)
	}
	req, _ := structpb.NewStruct(map[string]any{"id": g.ID})
	if err := stream.SendMsg(req); err != nil {
		t.Fatal(err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatal(err)
	}

	// The subscription exists once the watcher shows up in presence.
	deadline := time.Now().Add(2 * time.Second)
	for len(h.srv.Presence.Viewers(g.ID)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	root := h.newRoot(t, g.ID, "watch me")
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			t.Fatalf("recv: %v", err)
		}
		if msg.Fields["type"].GetStringValue() == string(model.EventNodeCreated) {
			if msg.Fields["node_id"].GetStringValue() != root.ID {
				t.Fatalf("event = %v", msg)
			}
			return
		}
	}
}

func TestWatchHealth(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, hs := NewGRPCServer(h.srv, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.srv.WatchHealth(ctx, hs, time.Millisecond)
		close(done)
	}()

	if err := h.disp.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatal(err)
		}
		if resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("health never went NOT_SERVING")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}

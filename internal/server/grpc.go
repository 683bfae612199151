package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/notify"
)

// ServiceName is the gRPC service exposing the graph engine. Requests and
// responses are google.protobuf.Struct messages using the same field names
// as the HTTP API.
const ServiceName = "convgraph.v1.GraphService"

// rpcMethod handles one unary call. args is the decoded request struct.
type rpcMethod func(s *Server, ctx context.Context, args rpcArgs) (any, error)

// rpcArgs is the request of a unary call. Body holds the whole request as
// JSON for decoding into an input type.
type rpcArgs struct {
	Body []byte `json:"-"`
	ID   string `json:"id"`
}

var rpcMethods = map[string]rpcMethod{
	"CreateGraph": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		var in createGraphInput
		if err := a.decode(&in); err != nil {
			return nil, err
		}
		return s.createGraph(ctx, in)
	},
	"GetGraph": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		return s.graph.GetGraph(ctx, ActorFrom(ctx), a.ID)
	},
	"ListGraphs": func(s *Server, ctx context.Context, _ rpcArgs) (any, error) {
		gs, err := s.graph.ListGraphs(ctx, ActorFrom(ctx))
		return map[string]any{"graphs": gs}, err
	},
	"UpdateGraph": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		var in updateGraphInput
		if err := a.decode(&in); err != nil {
			return nil, err
		}
		return s.updateGraph(ctx, a.ID, in)
	},
	"DeleteGraph": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		return struct{}{}, s.deleteGraph(ctx, a.ID)
	},
	"Snapshot": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		return s.graph.Snapshot(ctx, ActorFrom(ctx), a.ID)
	},
	"CreateNode": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		var in createNodeInput
		if err := a.decode(&in); err != nil {
			return nil, err
		}
		return s.createNode(ctx, in)
	},
	"GetNode": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		return s.graph.GetNode(ctx, ActorFrom(ctx), a.ID)
	},
	"UpdateNode": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		var in updateNodeInput
		if err := a.decode(&in); err != nil {
			return nil, err
		}
		return s.updateNode(ctx, a.ID, in)
	},
	"DeleteNode": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		var in struct {
			Cascade bool `json:"cascade"`
		}
		if err := a.decode(&in); err != nil {
			return nil, err
		}
		return struct{}{}, s.graph.DeleteNode(ctx, ActorFrom(ctx), a.ID, in.Cascade)
	},
	"GetChildren": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		nodes, err := s.graph.GetChildren(ctx, ActorFrom(ctx), a.ID)
		return map[string]any{"nodes": nodes}, err
	},
	"GetAncestry": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		nodes, err := s.graph.GetAncestryChain(ctx, ActorFrom(ctx), a.ID)
		return map[string]any{"nodes": nodes}, err
	},
	"Regenerate": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		var in regenerateInput
		if err := a.decode(&in); err != nil {
			return nil, err
		}
		return s.regenerate(ctx, a.ID, in)
	},
	"Cancel": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		return s.ctrl.Cancel(ctx, ActorFrom(ctx), a.ID)
	},
	"Start": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		var in startInput
		if err := a.decode(&in); err != nil {
			return nil, err
		}
		return s.start(ctx, a.ID, in)
	},
	"AddLink": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		var in linkInput
		if err := a.decode(&in); err != nil {
			return nil, err
		}
		return s.addLink(ctx, a.ID, in)
	},
	"RemoveLink": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		var in linkInput
		if err := a.decode(&in); err != nil {
			return nil, err
		}
		return struct{}{}, s.graph.RemoveLink(ctx, ActorFrom(ctx), a.ID, in.TargetID)
	},
	"ListEvents": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		var in struct {
			After int64 `json:"after"`
			Limit int   `json:"limit"`
		}
		if err := a.decode(&in); err != nil {
			return nil, err
		}
		evs, err := s.graph.ListEvents(ctx, ActorFrom(ctx), a.ID, in.After, in.Limit)
		return map[string]any{"events": evs}, err
	},
	"ListDeadLetters": func(s *Server, ctx context.Context, a rpcArgs) (any, error) {
		var in struct {
			Limit int `json:"limit"`
		}
		if err := a.decode(&in); err != nil {
			return nil, err
		}
		dls, err := s.deadLetters(ctx, in.Limit)
		return map[string]any{"dead_letters": dls}, err
	},
}

func (a rpcArgs) decode(v any) error {
	if err := json.Unmarshal(a.Body, v); err != nil {
		return model.Errorf(model.KindValidation, "invalid request: %v", err)
	}
	return nil
}

// toStruct converts a result into a Struct. Results must encode as JSON
// objects.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("convert response: %w", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct) (rpcArgs, error) {
	b, err := protojson.Marshal(in)
	if err != nil {
		return rpcArgs{}, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	args := rpcArgs{Body: b}
	if err := json.Unmarshal(b, &args); err != nil {
		return rpcArgs{}, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return args, nil
}

func unaryHandler(name string, m rpcMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				args, err := fromStruct(req.(*structpb.Struct))
				if err != nil {
					return nil, err
				}
				out, err := m(srv.(*Server), ctx, args)
				if err != nil {
					return nil, grpcError(err)
				}
				return toStruct(out)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// graphService is the handler type the service is registered against.
type graphService interface {
	watch(args rpcArgs, stream grpc.ServerStream) error
}

func serviceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*graphService)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Watch",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				args, err := fromStruct(in)
				if err != nil {
					return err
				}
				return srv.(graphService).watch(args, stream)
			},
		}},
		Metadata: "convgraph/v1/graph.proto",
	}
	for name, m := range rpcMethods {
		desc.Methods = append(desc.Methods, unaryHandler(name, m))
	}
	return desc
}

// watch streams the events of one graph, as the SSE endpoint does. The
// request carries "id" and optionally "after"; a lagging watcher's stream
// ends with ResourceExhausted.
func (s *Server) watch(args rpcArgs, stream grpc.ServerStream) error {
	ctx := stream.Context()
	actor := ActorFrom(ctx)
	var in struct {
		After int64 `json:"after"`
	}
	if err := args.decode(&in); err != nil {
		return grpcError(err)
	}
	if _, err := s.graph.GetGraph(ctx, actor, args.ID); err != nil {
		return grpcError(err)
	}

	sub, replay, complete := s.notifier.Subscribe(args.ID, in.After)
	defer sub.Close()
	if !complete {
		persisted, err := s.graph.ListEvents(ctx, actor, args.ID, in.After, 0)
		if err != nil {
			return grpcError(err)
		}
		replay = persisted
	}
	leave := s.Presence.Join(args.ID, actor)
	defer leave()

	high := in.After
	send := func(e *model.Event) error {
		msg, err := toStruct(e)
		if err != nil {
			return err
		}
		if e.ID > high {
			high = e.ID
		}
		return stream.SendMsg(msg)
	}
	for _, e := range replay {
		if e.ID > high {
			if err := send(e); err != nil {
				return err
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				if errors.Is(sub.Err(), notify.ErrLagged) {
					return status.Errorf(codes.ResourceExhausted, "watcher lagged; resume after %d", high)
				}
				return nil
			}
			if e.ID != 0 && e.ID <= high {
				continue
			}
			if err := send(e); err != nil {
				return err
			}
		}
	}
}

// NewGRPCServer creates a gRPC server with standard interceptors and
// registers the graph service, the health service and reflection.
func NewGRPCServer(s *Server, authToken string) (*grpc.Server, *grpchealth.Server) {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor,
			LoggingInterceptor,
			AuthInterceptor(authToken),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor,
			StreamAuthInterceptor(authToken),
		),
	)

	srv.RegisterService(serviceDesc(), s)

	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(srv)

	return srv, hs
}

// WatchHealth mirrors the dispatcher state into hs until ctx is done: the
// service reports NOT_SERVING once the dispatcher has stopped.
func (s *Server) WatchHealth(ctx context.Context, hs *grpchealth.Server, interval time.Duration) {
	s.logger.Info("grpc health watcher started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("grpc health watcher stopped")
			return
		case <-ticker.C:
			st := healthpb.HealthCheckResponse_SERVING
			if s.health(ctx).Status != "ok" {
				st = healthpb.HealthCheckResponse_NOT_SERVING
			}
			hs.SetServingStatus(ServiceName, st)
		}
	}
}

package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

const listGraphs = "/" + ServiceName + "/ListGraphs"

// actorHandler returns the actor the interceptor attached.
func actorHandler(ctx context.Context, _ any) (any, error) {
	return ActorFrom(ctx), nil
}

func TestAuthInterceptor(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		method string
		md     metadata.MD
		want   codes.Code
	}{
		{"disabled", "", listGraphs, nil, codes.OK},
		{"health exempt", "secret", "/grpc.health.v1.Health/Check", nil, codes.OK},
		{"missing metadata", "secret", listGraphs, nil, codes.Unauthenticated},
		{"missing header", "secret", listGraphs, metadata.Pairs("other", "value"), codes.Unauthenticated},
		{"wrong token", "secret", listGraphs, metadata.Pairs("authorization", "Bearer wrong"), codes.Unauthenticated},
		{"invalid scheme", "secret", listGraphs, metadata.Pairs("authorization", "Basic secret"), codes.Unauthenticated},
		{"correct token", "secret", listGraphs, metadata.Pairs("authorization", "Bearer secret"), codes.OK},
		{"bad role", "", listGraphs, metadata.Pairs("x-graph-role", "admin"), codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.md)
			}
			_, err := AuthInterceptor(tt.token)(ctx, nil, &grpc.UnaryServerInfo{FullMethod: tt.method}, actorHandler)
			if status.Code(err) != tt.want {
				t.Fatalf("code = %v, want %v (%v)", status.Code(err), tt.want, err)
			}
		})
	}
}

func TestAuthInterceptor_AttachesActor(t *testing.T) {
	md := metadata.Pairs("x-user-id", "ada", "x-graph-role", "viewer", "x-graph-scope", "g-1")
	ctx := metadata.NewIncomingContext(context.Background(), md)
	resp, err := AuthInterceptor("")(ctx, nil, &grpc.UnaryServerInfo{FullMethod: listGraphs}, actorHandler)
	if err != nil {
		t.Fatal(err)
	}
	want := model.Actor{UserID: "ada", GraphID: "g-1", Role: model.RoleViewer}
	if resp != want {
		t.Fatalf("actor = %+v, want %+v", resp, want)
	}
}

func TestRecoveryInterceptor(t *testing.T) {
	panicky := func(context.Context, any) (any, error) { panic("boom") }
	_, err := RecoveryInterceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: listGraphs}, panicky)
	if status.Code(err) != codes.Internal {
		t.Fatalf("code = %v", status.Code(err))
	}
}

func TestGRPCError(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{model.NotFound("node", "n"), codes.NotFound},
		{model.Conflict("node", "n", 1, 2), codes.Aborted},
		{model.Errorf(model.KindCapacity, "full"), codes.ResourceExhausted},
		{&model.ValidationError{Errors: []model.FieldError{{Field: "title", Message: "is required"}}}, codes.InvalidArgument},
		{errors.New("disk on fire"), codes.Internal},
		{status.Error(codes.Unavailable, "x"), codes.Unavailable},
	}
	for _, tt := range tests {
		if got := status.Code(grpcError(tt.err)); got != tt.want {
			t.Errorf("grpcError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if st := status.Convert(grpcError(errors.New("disk on fire"))); st.Message() != "internal server error" {
		t.Errorf("internal message leaked: %q", st.Message())
	}
}

// --- AuthMiddleware tests ---

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	tests := []struct {
		name  string
		token string
		path  string
		auth  string
		want  int
	}{
		{"disabled", "", "/v1/graphs", "", http.StatusOK},
		{"no header", "secret", "/v1/graphs", "", http.StatusUnauthorized},
		{"wrong token", "secret", "/v1/graphs", "Bearer wrong", http.StatusUnauthorized},
		{"invalid scheme", "secret", "/v1/graphs", "Basic secret", http.StatusUnauthorized},
		{"correct token", "secret", "/v1/graphs", "Bearer secret", http.StatusOK},
		{"health exempt", "secret", "/v1/health", "", http.StatusOK},
		{"metrics exempt", "secret", "/metrics", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			AuthMiddleware(tt.token, ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d; body: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

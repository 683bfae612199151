package server

import (
	"context"
	"fmt"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// Headers (and lower-cased gRPC metadata keys) carrying the caller identity
// established by the upstream authorization collaborator.
const (
	HeaderUserID     = "X-User-ID"
	HeaderGraphRole  = "X-Graph-Role"
	HeaderGraphScope = "X-Graph-Scope"
	HeaderRequestID  = "X-Request-ID"
)

const anonymous = "anonymous"

type ctxKey int

const (
	actorKey ctxKey = iota
	requestIDKey
)

func withActor(ctx context.Context, a model.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFrom returns the actor of a request. Requests that passed no identity
// act as an anonymous viewer.
func ActorFrom(ctx context.Context) model.Actor {
	if a, ok := ctx.Value(actorKey).(model.Actor); ok {
		return a
	}
	return model.Actor{UserID: anonymous, Role: model.RoleViewer}
}

// RequestID returns the request id assigned by the HTTP middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// parseActor builds an actor from the identity headers. A missing role
// defaults to editor; an unknown one is rejected.
func parseActor(userID, role, scope string) (model.Actor, error) {
	if userID == "" {
		userID = anonymous
	}
	r := model.Role(role)
	switch r {
	case "":
		r = model.RoleEditor
	case model.RoleOwner, model.RoleEditor, model.RoleViewer:
	default:
		return model.Actor{}, fmt.Errorf("unknown role %q", role)
	}
	return model.Actor{UserID: userID, GraphID: scope, Role: r}, nil
}

package server

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error          string             `json:"error"`
	Kind           model.ErrorKind    `json:"kind,omitempty"`
	CurrentVersion int64              `json:"current_version,omitempty"`
	Fields         []model.FieldError `json:"fields,omitempty"`
	// Node is set when the node was created but its generation could not
	// be queued.
	Node *model.Node `json:"node,omitempty"`
}

func httpStatus(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindAnchorUnresolved:
		return http.StatusUnprocessableEntity
	case model.KindCapacity:
		return http.StatusTooManyRequests
	case model.KindForbidden:
		return http.StatusForbidden
	case model.KindGenerationTransient:
		return http.StatusServiceUnavailable
	case model.KindGenerationFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(kind model.ErrorKind) codes.Code {
	switch kind {
	case model.KindValidation:
		return codes.InvalidArgument
	case model.KindNotFound:
		return codes.NotFound
	case model.KindConflict:
		return codes.Aborted
	case model.KindAnchorUnresolved:
		return codes.FailedPrecondition
	case model.KindCapacity:
		return codes.ResourceExhausted
	case model.KindForbidden:
		return codes.PermissionDenied
	case model.KindGenerationTransient:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// toErrorBody classifies err. Unclassified errors are reported without their
// message so internals do not leak.
func toErrorBody(err error) (int, errorBody) {
	kind := model.KindOf(err)
	if kind == "" {
		return http.StatusInternalServerError, errorBody{Error: "internal server error"}
	}
	body := errorBody{Error: err.Error(), Kind: kind}
	var me *model.Error
	if errors.As(err, &me) && me.Kind == model.KindConflict {
		body.CurrentVersion = me.CurrentVersion
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		body.Fields = ve.Errors
	}
	return httpStatus(kind), body
}

// grpcError converts an engine error into a status error. The conflict
// version travels in the message since structpb carries no details.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	kind := model.KindOf(err)
	if kind == "" {
		return status.Error(codes.Internal, "internal server error")
	}
	return status.Error(grpcCode(kind), err.Error())
}

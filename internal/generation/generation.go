// Package generation defines the capability that produces response text for
// a node, and the adapters that implement it.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// Request is what a generator receives for one attempt.
type Request struct {
	NodeID     string
	Model      string
	Messages   []model.Message
	Parameters json.RawMessage
}

// Chunk is one piece of a streamed response. The final chunk has Done set
// and carries the finish reason and usage. A chunk with Err set ends the
// stream with a failure.
type Chunk struct {
	Delta        string
	Done         bool
	FinishReason string
	Usage        *model.Usage
	Err          error
}

// Generator produces a response stream. The returned channel is closed when
// the stream ends or ctx is cancelled. Errors returned directly or carried in
// a chunk should be *Error so callers can tell whether to retry.
type Generator interface {
	Generate(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Error is a generation failure.
type Error struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Kind maps the failure onto the engine's error kinds.
func (e *Error) Kind() model.ErrorKind {
	if e.Retryable {
		return model.KindGenerationTransient
	}
	return model.KindGenerationFatal
}

// Transient returns a retryable error.
func Transient(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true, Err: err}
}

// Fatal returns a non-retryable error.
func Fatal(code string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsRetryable reports whether err is worth another attempt. Errors that are
// not *Error are treated as transient, except context cancellation.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return true
}

// Options selects and configures an adapter.
type Options struct {
	Name    string
	BaseURL string
	APIKey  string
}

// New returns the adapter named by opts.Name.
func New(opts Options) (Generator, error) {
	switch opts.Name {
	case "", "echo":
		return &Echo{}, nil
	case "openai":
		if opts.BaseURL == "" {
			return nil, fmt.Errorf("openai generator requires a base URL")
		}
		return NewOpenAI(opts.BaseURL, opts.APIKey, nil), nil
	default:
		return nil, fmt.Errorf("unknown generator %q", opts.Name)
	}
}

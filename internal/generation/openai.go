package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// OpenAI talks to any server exposing an OpenAI-compatible streaming
// /chat/completions endpoint.
type OpenAI struct {
	baseURL string
	client  *openai.Client
}

// NewOpenAI returns an adapter for baseURL. A nil client gets one without a
// timeout; streams are bounded by the request context instead.
func NewOpenAI(baseURL, apiKey string, client *http.Client) *OpenAI {
	if client == nil {
		client = &http.Client{}
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.HTTPClient = client
	return &OpenAI{
		baseURL: cfg.BaseURL,
		client:  openai.NewClientWithConfig(cfg),
	}
}

// request builds the chat request. Caller parameters are decoded first so
// the fields the adapter owns always win.
func (o *OpenAI) request(req *Request) (openai.ChatCompletionRequest, error) {
	var creq openai.ChatCompletionRequest
	if len(req.Parameters) > 0 {
		if err := json.Unmarshal(req.Parameters, &creq); err != nil {
			return creq, Fatal("invalid_parameters", err, "parameters must be a JSON object of chat completion fields")
		}
	}
	creq.Model = req.Model
	creq.Messages = make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		creq.Messages[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}
	creq.Stream = true
	creq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	return creq, nil
}

// Generate implements Generator.
func (o *OpenAI) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	creq, err := o.request(req)
	if err != nil {
		return nil, err
	}
	stream, err := o.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, o.classify(err)
	}

	ch := make(chan Chunk)
	go o.stream(ctx, stream, ch)
	return ch, nil
}

// classify maps SDK errors onto retryable and fatal failures: rate limits,
// server errors and transport failures are worth another attempt.
func (o *OpenAI) classify(err error) *Error {
	var (
		apiErr *openai.APIError
		reqErr *openai.RequestError
		status int
	)
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return Transient("unavailable", err, "calling %s", o.baseURL)
	}
	switch {
	case status == 0:
		return Transient("stream_error", err, "provider reported an error")
	case status == http.StatusTooManyRequests, status >= 500:
		return Transient(fmt.Sprintf("http_%d", status), err, "provider returned %d", status)
	default:
		return Fatal(fmt.Sprintf("http_%d", status), err, "provider returned %d", status)
	}
}

// stream forwards deltas until the provider ends the stream or ctx is
// cancelled. A stream that ends without a finish reason was cut short.
func (o *OpenAI) stream(ctx context.Context, stream *openai.ChatCompletionStream, ch chan<- Chunk) {
	defer close(ch)
	defer stream.Close()

	send := func(c Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	final := Chunk{Done: true}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if final.FinishReason == "" {
				send(Chunk{Err: Transient("stream_interrupted", io.ErrUnexpectedEOF, "stream ended without a finish reason")})
				return
			}
			send(final)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(Chunk{Err: o.classify(err)})
			return
		}

		if u := resp.Usage; u != nil {
			final.Usage = &model.Usage{
				PromptTokens:     u.PromptTokens,
				CompletionTokens: u.CompletionTokens,
				TotalTokens:      u.TotalTokens,
			}
		}
		for _, c := range resp.Choices {
			if c.FinishReason != "" {
				final.FinishReason = string(c.FinishReason)
			}
			if c.Delta.Content == "" {
				continue
			}
			if !send(Chunk{Delta: c.Delta.Content}) {
				return
			}
		}
	}
}

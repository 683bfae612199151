package generation

import (
	"context"
	"strings"
	"time"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// Echo answers with the last user message, one word per chunk. It needs no
// provider and is the default for local runs and tests.
type Echo struct {
	// Delay is slept between chunks.
	Delay time.Duration
}

// Generate implements Generator.
func (e *Echo) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	text := lastUserMessage(req.Messages)
	words := strings.SplitAfter(text, " ")

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		for _, w := range words {
			if w == "" {
				continue
			}
			if e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- Chunk{Delta: w}:
			case <-ctx.Done():
				return
			}
		}
		n := len(words)
		final := Chunk{
			Done:         true,
			FinishReason: "stop",
			Usage:        &model.Usage{PromptTokens: len(req.Messages), CompletionTokens: n, TotalTokens: len(req.Messages) + n},
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func lastUserMessage(msgs []model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

package graph

import (
	"fmt"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// BuildMessages turns an ancestry chain (root first) into the conversation
// handed to a generator: each ancestor contributes its prompt and, once it
// has one, its response. When the branch was cut from an anchored excerpt a
// system message pointing at that excerpt closes the context.
//
// Truncation and summarization are left to the caller.
func BuildMessages(chain []*model.Node, spawned *model.SpawnedFrom) []model.Message {
	msgs := make([]model.Message, 0, 2*len(chain)+1)
	for _, n := range chain {
		msgs = append(msgs, model.Message{Role: model.RoleUser, Content: n.Request.Prompt})
		if n.Response.TextMarkdown != "" {
			msgs = append(msgs, model.Message{Role: model.RoleAssistant, Content: n.Response.TextMarkdown})
		}
	}
	if spawned != nil && spawned.Anchor != nil && !spawned.Unresolved {
		msgs = append(msgs, model.Message{
			Role:    model.RoleSystem,
			Content: fmt.Sprintf("The next question is about this excerpt of the previous answer: %q", spawned.Anchor.Exact),
		})
	}
	return msgs
}

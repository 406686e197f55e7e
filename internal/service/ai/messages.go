package ai

import (
	"corpuschat/internal/models"

	"github.com/cloudwego/eino/schema"
)

// Message is a provider-neutral chat message.
type Message struct {
	Role    models.Role
	Content string
}

// ReorderSystemFirst moves every system message ahead of the others. Both
// partitions keep their relative order and no message is copied or dropped.
func ReorderSystemFirst(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			out = append(out, m)
		}
	}
	for _, m := range messages {
		if m.Role != models.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// withInstruction returns the prompt sent upstream: the history followed by
// the output schema instruction, reordered when the provider requires it.
func withInstruction(messages []Message, systemFirst bool) []Message {
	prompt := make([]Message, 0, len(messages)+1)
	prompt = append(prompt, messages...)
	prompt = append(prompt, Message{Role: models.RoleSystem, Content: SchemaInstruction()})
	if systemFirst {
		return ReorderSystemFirst(prompt)
	}
	return prompt
}

func toEino(messages []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return out
}

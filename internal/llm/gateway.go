// Package llm is the language-model gateway used for planning, coverage
// evaluation and synthesis.
package llm

import "context"

// Roles accepted by the gateway.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Gateway is the stateless language-model contract. Call returns the model
// text and the number of tokens the call consumed. Failures are
// *state.Error values of kind provider_error or timeout_error.
type Gateway interface {
	Call(ctx context.Context, messages []Message) (string, int, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, messages []Message) (string, int, error)

// Call implements Gateway.
func (f GatewayFunc) Call(ctx context.Context, messages []Message) (string, int, error) {
	return f(ctx, messages)
}

// System and User build messages.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Package llm defines the completion client used by the LLM-backed providers
// and the helpers shared by its vendor implementations.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	// DefaultMaxTokens caps completions when a request does not set MaxTokens.
	DefaultMaxTokens = 4096

	// TemperatureDefault is used for classification and planning prompts.
	TemperatureDefault = 0.3

	// TemperatureDeterministic is used where the output is parsed as JSON.
	TemperatureDeterministic = 0.2
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content string
}

// Request asks for a single completion.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Usage reports token consumption. Zero means the backend did not report it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a completed turn.
type Response struct {
	Content    string
	StopReason string
	Usage      Usage
}

// Client generates completions.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Model() string
}

// NewRequest creates a request with default limits.
func NewRequest(messages ...Message) Request {
	return Request{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// System creates a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User creates a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// Assistant creates an assistant message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Alternate prepares messages for backends that take the system prompt
// separately and require strict user/assistant alternation. System messages
// are joined into the returned prompt; consecutive non-assistant messages are
// merged into one user message. The result starts and ends with a user turn.
func Alternate(messages []Message) (string, []Message, error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts, userParts []string
	var merged []Message
	flush := func() {
		if len(userParts) > 0 {
			merged = append(merged, User(strings.Join(userParts, "\n\n")))
			userParts = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case RoleAssistant:
			flush()
			merged = append(merged, msg)
		default:
			userParts = append(userParts, msg.Content)
		}
	}
	flush()

	if len(merged) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}
	for i := range merged {
		if i > 0 && merged[i].Role == merged[i-1].Role {
			return "", nil, fmt.Errorf("alternation violation at index %d: consecutive %s messages", i, merged[i].Role)
		}
	}
	if merged[0].Role != RoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", merged[0].Role)
	}
	if last := merged[len(merged)-1]; last.Role != RoleUser {
		return "", nil, fmt.Errorf("last message must be user role, got: %s", last.Role)
	}
	return strings.Join(systemParts, "\n\n"), merged, nil
}

// Flatten renders messages as a single prompt for backends that take one
// input string.
func Flatten(messages []Message) string {
	var b strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			fmt.Fprintf(&b, "System: %s\n\n", msg.Content)
		case RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n\n", msg.Content)
		default:
			b.WriteString(msg.Content)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// ClientFunc adapts a function to Client. It is mostly useful in tests.
type ClientFunc struct {
	Name string
	Fn   func(ctx context.Context, req Request) (Response, error)
}

func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f.Fn(ctx, req)
}

func (f ClientFunc) Model() string { return f.Name }

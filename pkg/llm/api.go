// Package llm provides the provider-agnostic request and response types that flow
// through the resilience harness.
package llm

import "strings"

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the AI assistant.
	RoleAssistant CompletionRole = "assistant"
)

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Role    CompletionRole `json:"role"`
	Content string         `json:"content"`
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// Request is one logical request. The harness never inspects Messages beyond cost
// estimation; the provider decides how to send them.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type Request struct {
	Messages    []CompletionMessage
	Model       string  // Optional override of the profile's model
	MaxTokens   int     // Completion budget
	Temperature float32 // Sampling temperature
	CallerID    string  // Selects the per-caller rate-limit tier ("" skips it)
	Endpoint    string  // Selects the per-endpoint rate-limit tier ("" skips it)
	Cost        float64 // Explicit rate-limit cost; <= 0 lets the cost function decide
}

// PromptText joins message contents for token estimation.
func (r *Request) PromptText() string {
	var b strings.Builder
	for i := range r.Messages {
		b.WriteString(r.Messages[i].Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// Usage reports token counts and, when the backend prices the call, its cost.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// Response is a successful provider reply.
type Response struct {
	Content    string
	StopReason string // Why the response stopped: "end_turn", "max_tokens", etc.
	Model      string
	Usage      Usage
	ProfileID  string // Filled in by the orchestrator with the profile that served the call
}

// Package llm abstracts chat-completion providers behind a small streaming
// interface so node code never touches a vendor SDK directly.
package llm

import "context"

// Message roles follow the chat-completion convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call. Images attach to the final user
// message for multi-modal models; WebSearch asks the backend to ground the
// answer with a live search when the model supports it.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Images      []string
	WebSearch   bool
}

// Chunk is one streamed delta. Done is true exactly once, on the final chunk,
// which also carries the accumulated text.
type Chunk struct {
	Delta          string
	ReasoningDelta string
	Done           bool
	Final          string
	Reasoning      string
	Err            error
}

// Provider is the contract every model backend implements.
type Provider interface {
	// Complete returns the full response text in one call.
	Complete(ctx context.Context, req Request) (string, error)
	// Stream returns a channel of deltas. The channel is closed after the
	// Done chunk, or after a chunk carrying Err on failure.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

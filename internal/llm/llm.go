// Package llm is the surface of the external agent collaborator: a
// responder that turns conversation history into a streamed reply. The
// reasoning engine itself lives outside the gateway core.
package llm

import "context"

// Message is one turn of conversation history.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request is a completion request.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Response is the final completion result with usage metadata.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// Responder produces agent replies. Stream invokes onDelta for each text
// chunk as it arrives and returns the accumulated result; onDelta may be
// nil when the caller only wants the final response.
type Responder interface {
	Stream(ctx context.Context, req Request, onDelta func(text string)) (*Response, error)
}

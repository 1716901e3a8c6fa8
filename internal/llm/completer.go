// Package llm provides chat-completion transport for the pipeline's
// parse_query and generate_response stages. Both upstreams (Mistral
// primary, OpenRouter fallback) speak the OpenAI-compatible chat API.
package llm

import (
	"context"
	"errors"
	"time"
)

// Timeouts for LLM operations.
const (
	TimeoutLLMCall = 60 * time.Second
)

// Domain errors for the LLM package.
var (
	ErrUpstreamUnavailable = errors.New("llm upstream unavailable")
	ErrEmptyResponse       = errors.New("llm returned no choices")
)

// Completer is the interface completion providers implement. The
// pipeline depends on this interface, never on a concrete client, so
// tests inject scripted completers.
type Completer interface {
	// Name returns the provider identifier (e.g. "mistral", "openrouter").
	Name() string
	// Complete sends a chat completion request and returns the response.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Request represents a chat completion request.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSONMode asks the upstream for a JSON object response. Used for
	// intent extraction where the reply must parse as structured JSON.
	JSONMode bool
}

// Message represents a chat message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Response represents a chat completion response.
type Response struct {
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
}

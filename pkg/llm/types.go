// Package llm implements the provider contract named in spec §6: a
// `Call` method per provider that returns a complete response and a
// `Stream` method that streams text deltas, configured per agent
// (classifier/clarifier/observer non-stream JSON, answer streaming
// text). Message/StreamChunk shapes are adapted from the teacher's
// pkg/llms/types.go, trimmed to the subset MAICE agents use — no tool
// calling, since no agent in this system exposes tools to the model.
package llm

import "context"

// Message is one turn in a call's conversation, system/user/assistant.
type Message struct {
	Role    string
	Content string
}

// CallOptions configures a single provider call (spec §6 LLM provider contract).
type CallOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Stream      bool
	JSONMode    bool
	Timeout     int // seconds
	Retries     int
}

// Result is a non-streamed call's outcome.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// StreamChunk is one increment of a streaming call.
type StreamChunk struct {
	Text  string
	Done  bool
	Err   error
	Usage Result // populated only on the terminal chunk (Done=true)
}

// Provider is the per-agent LLM collaborator contract.
type Provider interface {
	// Call performs a non-streamed request. Used by classifier, clarifier,
	// and observer; each call sets CallOptions.JSONMode when it expects JSON.
	Call(ctx context.Context, messages []Message, opts CallOptions) (Result, error)

	// Stream performs a streaming request. Used by the Answer Agent.
	// The returned channel is closed after a terminal chunk (Done=true
	// or Err != nil) is sent.
	Stream(ctx context.Context, messages []Message, opts CallOptions) (<-chan StreamChunk, error)

	// Name identifies the provider for logging/metrics ("anthropic", "openai", "gemini", "ollama").
	Name() string
}
